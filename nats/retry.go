package nats

import (
	"math"
	"sync"
	"time"
)

// ConnectDelayStrategy decides how long the client pauses between failed
// passes over the cluster node list. Implementations receive the host:port
// of the next candidate so they can pace nodes independently.
type ConnectDelayStrategy interface {
	GetConnectWaitDuration(address string) (time.Duration, error)

	// Reset discards accumulated pacing state once a connection succeeds.
	Reset()
}

// FixedDelayStrategy pauses the same duration before every pass. The client
// defaults to one of these at the standard round pacing.
type FixedDelayStrategy struct {
	Delay time.Duration
}

func NewFixedDelayStrategy(delay time.Duration) *FixedDelayStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayStrategy{Delay: delay}
}

func (strategy *FixedDelayStrategy) GetConnectWaitDuration(address string) (time.Duration, error) {
	return strategy.Delay, nil
}

func (strategy *FixedDelayStrategy) Reset() {}

// ExponentialDelayStrategy backs off per address: each consecutive failure
// against the same node multiplies the pause by Factor, up to MaxDelay. A
// node without recorded failures starts again at BaseDelay.
type ExponentialDelayStrategy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64

	lock     sync.Mutex
	failures map[string]int
}

func NewExponentialDelayStrategy(baseDelay time.Duration, maxDelay time.Duration, factor float64) *ExponentialDelayStrategy {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialDelayStrategy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Factor:    factor,
		failures:  make(map[string]int),
	}
}

func (strategy *ExponentialDelayStrategy) GetConnectWaitDuration(address string) (time.Duration, error) {
	strategy.lock.Lock()
	defer strategy.lock.Unlock()

	failures := strategy.failures[address]
	strategy.failures[address] = failures + 1

	scaled := float64(strategy.BaseDelay) * math.Pow(strategy.Factor, float64(failures))
	if scaled > float64(strategy.MaxDelay) {
		return strategy.MaxDelay, nil
	}
	return time.Duration(scaled), nil
}

func (strategy *ExponentialDelayStrategy) Reset() {
	strategy.lock.Lock()
	strategy.failures = make(map[string]int)
	strategy.lock.Unlock()
}
