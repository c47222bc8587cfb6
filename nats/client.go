package nats

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Constants in this block define client defaults and connect pacing.
const (
	defaultClientName = "#golang"

	inboxPrefix = "_INBOX."

	connectRoundsBeforeBreaking = 4
	connectDelayBetweenRounds   = 250 * time.Millisecond
	breakerCooldown             = 2 * time.Second
)

// Client is a pub/sub cluster client. It owns the ordered candidate node
// list, the currently active session, the subscription registry, and the
// event queue. Exported APIs are safe for concurrent use.
//
// Configure the client with the fluent setters before the first Connect;
// commands and Wait connect on demand.
type Client struct {
	lock sync.Mutex

	name            string
	verbose         bool
	pedantic        bool
	logger          *zap.Logger
	wrapper         StreamWrapper
	tlsConfig       *tls.Config
	discoverServers bool
	connectRounds   int
	delayStrategy   ConnectDelayStrategy
	breakerWait     time.Duration
	breakerUntil    time.Time

	addrs    []ServerAddress
	idx      int
	registry *subscriptionRegistry
	events   *eventQueue
	session  *session
}

// NewClient builds a client from one or more scheme://[user:pass@]host:port
// server URLs. The list order defines failover priority.
func NewClient(urls ...string) (*Client, error) {
	addresses, err := parseServerList(urls)
	if err != nil {
		return nil, err
	}

	return &Client{
		name:          defaultClientName,
		logger:        zap.NewNop(),
		connectRounds: connectRoundsBeforeBreaking,
		delayStrategy: NewFixedDelayStrategy(connectDelayBetweenRounds),
		breakerWait:   breakerCooldown,
		addrs:         addresses,
		registry:      newSubscriptionRegistry(),
		events:        newEventQueue(256),
	}, nil
}

// SetSynchronous switches the client into synchronous (verbose) mode, where
// every command blocks until the server acknowledges it. Configure before
// connecting.
func (client *Client) SetSynchronous(synchronous bool) *Client {
	client.verbose = synchronous
	return client
}

// SetPedantic enables the server's strict subject checking during the
// handshake.
func (client *Client) SetPedantic(pedantic bool) *Client {
	client.pedantic = pedantic
	return client
}

// SetName sets the client name reported during the handshake.
func (client *Client) SetName(name string) *Client {
	client.name = name
	return client
}

// SetLogger sets the structured logger used for protocol diagnostics.
func (client *Client) SetLogger(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	client.logger = logger
	return client
}

// SetStreamWrapper installs the stream-encryption provider applied while
// connecting, whenever the node requires a secure transport.
func (client *Client) SetStreamWrapper(wrapper StreamWrapper) *Client {
	client.wrapper = wrapper
	return client
}

// SetTLSConfig sets the TLS configuration used by the default stream wrapper
// and by wss:// transports.
func (client *Client) SetTLSConfig(config *tls.Config) *Client {
	client.tlsConfig = config
	return client
}

// SetDiscoverServers controls whether peer addresses advertised by the
// server during the handshake are merged into the failover candidate set.
// Advertised peers always rank after statically configured nodes. Off by
// default.
func (client *Client) SetDiscoverServers(discover bool) *Client {
	client.discoverServers = discover
	return client
}

// SetConnectDelayStrategy sets the pacing between connect passes over the
// node list.
func (client *Client) SetConnectDelayStrategy(strategy ConnectDelayStrategy) *Client {
	if strategy == nil {
		strategy = NewFixedDelayStrategy(connectDelayBetweenRounds)
	}
	client.delayStrategy = strategy
	return client
}

// Connect establishes a session with the first reachable cluster node.
func (client *Client) Connect() error {
	client.lock.Lock()
	defer client.lock.Unlock()

	if client.session != nil && !client.session.closed() {
		return NewError(AlreadyConnectedError)
	}
	client.session = nil
	return client.connectLocked()
}

// Connected reports whether a session is currently live.
func (client *Client) Connected() bool {
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.session != nil && !client.session.closed()
}

// MaxPayload returns the maximum payload size advertised by the connected
// node, or zero when disconnected.
func (client *Client) MaxPayload() int64 {
	client.lock.Lock()
	defer client.lock.Unlock()
	if client.session == nil {
		return 0
	}
	return client.session.maxPayload()
}

// Close tears down the active session. The client stays usable: a later
// Connect resumes with the full intended subscription state.
func (client *Client) Close() error {
	client.lock.Lock()
	sess := client.session
	client.session = nil
	client.lock.Unlock()

	if sess == nil {
		return NewError(DisconnectedError, "client is not connected")
	}
	sess.close()
	return nil
}

// connectLocked walks the candidate list starting from the last successful
// index, in rounds paced by the delay strategy. A fully failed pass trips a
// cooldown: the caller decides whether to retry after it expires.
func (client *Client) connectLocked() error {
	if time.Now().Before(client.breakerUntil) {
		return NewError(ConnectionError, "cluster down - connections are temporarily suspended")
	}

	count := len(client.addrs)
	if count == 0 {
		return NewError(AddressError, "no server addresses configured")
	}
	if client.idx >= count {
		client.idx = 0
	}

	var lastErr error
	for round := 0; round < client.connectRounds; round++ {
		for attempt := 0; attempt < count; attempt++ {
			address := client.addrs[client.idx]
			sess, err := client.dialAndReplay(address)
			if err == nil {
				client.session = sess
				if client.discoverServers {
					client.addrs = mergeAdvertised(client.addrs, sess.connectURLs())
				}
				client.delayStrategy.Reset()
				return nil
			}

			lastErr = err
			client.logger.Warn("connect attempt failed",
				zap.String("address", address.hostPort()), zap.Error(err))
			client.idx = (client.idx + 1) % count
		}

		if round+1 < client.connectRounds {
			wait, delayErr := client.delayStrategy.GetConnectWaitDuration(client.addrs[client.idx].hostPort())
			if delayErr != nil {
				return delayErr
			}
			if wait > 0 {
				time.Sleep(wait)
			}
		}
	}

	client.breakerUntil = time.Now().Add(client.breakerWait)
	return NewError(ConnectionError, fmt.Sprintf("the entire cluster is down or unreachable: %v", lastErr))
}

// dialAndReplay connects one node and replays the intended subscription
// state onto it before anyone else can issue commands, so no caller observes
// a connected-but-unsubscribed window.
func (client *Client) dialAndReplay(address ServerAddress) (*session, error) {
	sess, err := dialSession(sessionConfig{
		address:   address,
		connect:   connectOptions{Verbose: client.verbose, Pedantic: client.pedantic, Name: client.name},
		verbose:   client.verbose,
		wrapper:   client.wrapper,
		tlsConfig: client.tlsConfig,
		logger:    client.logger,
		registry:  client.registry,
		events:    client.events,
		onInfo:    client.handleServerInfo,
	})
	if err != nil {
		return nil, err
	}

	if err := client.replaySubscriptions(sess); err != nil {
		sess.close()
		return nil, err
	}
	return sess, nil
}

func (client *Client) replaySubscriptions(sess *session) error {
	client.registry.resetDeliveryCounts()

	for _, entry := range client.registry.snapshot() {
		if err := sess.sendCommand(encodeSub(entry.Subject, entry.Group, entry.ID)); err != nil {
			return err
		}
		if entry.Limited {
			if err := sess.sendCommand(encodeUnsub(entry.ID, entry.Remaining)); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleServerInfo merges advertised peers from a steady-state INFO frame.
// It runs on the session reader, so the merge happens off that goroutine.
func (client *Client) handleServerInfo(info serverInfo) {
	if !client.discoverServers || len(info.ConnectURLs) == 0 {
		return
	}
	go func() {
		client.lock.Lock()
		client.addrs = mergeAdvertised(client.addrs, info.ConnectURLs)
		client.lock.Unlock()
	}()
}

// currentSession returns the active session, connecting on demand.
func (client *Client) currentSession() (*session, error) {
	client.lock.Lock()
	defer client.lock.Unlock()

	if client.session != nil && !client.session.closed() {
		return client.session, nil
	}
	client.session = nil
	if err := client.connectLocked(); err != nil {
		return nil, err
	}
	return client.session, nil
}

// withSession runs one command against the active session with a single
// automatic reconnect-and-retry on connection loss. A second consecutive
// failure propagates to the caller.
func (client *Client) withSession(operation func(*session) error) error {
	sess, err := client.currentSession()
	if err != nil {
		return err
	}

	opErr := operation(sess)
	if opErr == nil || !isConnectionLoss(opErr) {
		return opErr
	}

	client.lock.Lock()
	if client.session == sess {
		client.session = nil
	}
	client.lock.Unlock()

	sess, err = client.currentSession()
	if err != nil {
		return err
	}
	return operation(sess)
}

func isConnectionLoss(err error) bool {
	switch ErrorCode(err) {
	case ConnectionError, ConnectionRefusedError, DisconnectedError:
		return true
	}
	return false
}

// Publish sends payload on a subject.
func (client *Client) Publish(subject string, payload []byte) error {
	return client.publish(subject, "", payload)
}

// PublishRequest sends payload on a subject with a reply-to inbox for the
// receiver to answer on.
func (client *Client) PublishRequest(subject string, replyTo string, payload []byte) error {
	if err := inboxCheck(replyTo); err != nil {
		return err
	}
	return client.publish(subject, replyTo, payload)
}

func (client *Client) publish(subject string, replyTo string, payload []byte) error {
	if err := subjectCheck(subject); err != nil {
		return err
	}

	frame := encodePub(subject, replyTo, payload)
	return client.withSession(func(sess *session) error {
		if limit := sess.maxPayload(); limit > 0 && int64(len(payload)) > limit {
			return NewError(CommandError,
				fmt.Sprintf("message too large: maximum payload size is %d bytes", limit))
		}
		return sess.sendCommand(frame)
	})
}

// Subscribe registers interest in a subject and returns the subscription id.
func (client *Client) Subscribe(subject string) (uint64, error) {
	return client.subscribe(subject, "")
}

// QueueSubscribe registers interest in a subject as a member of a queue
// group: each message goes to exactly one member of the group.
func (client *Client) QueueSubscribe(subject string, group string) (uint64, error) {
	if err := queueCheck(group); err != nil {
		return 0, err
	}
	return client.subscribe(subject, group)
}

func (client *Client) subscribe(subject string, group string) (uint64, error) {
	if err := subjectCheck(subject); err != nil {
		return 0, err
	}

	// Registry first: a reconnect between here and the send replays this
	// subscription, and a repeated SUB for the same sid is a no-op for the
	// server.
	id := client.registry.add(subject, group)
	err := client.withSession(func(sess *session) error {
		return sess.sendCommand(encodeSub(subject, group, id))
	})
	if err != nil {
		client.registry.remove(id)
		return 0, err
	}
	return id, nil
}

// Unsubscribe removes a subscription. Events already queued for delivery are
// not discarded: callers may still observe one in-flight message.
func (client *Client) Unsubscribe(id uint64) error {
	if !client.registry.remove(id) {
		return NewError(CommandError, fmt.Sprintf("unknown subscription %d", id))
	}
	return client.withSession(func(sess *session) error {
		return sess.sendCommand(encodeUnsub(id, 0))
	})
}

// UnsubscribeAfter lets a subscription deliver maxMessages more events,
// then removes it automatically.
func (client *Client) UnsubscribeAfter(id uint64, maxMessages uint64) error {
	if maxMessages == 0 {
		return client.Unsubscribe(id)
	}

	// The wire-level cap counts from the node's own subscription start.
	wireMax, known := client.registry.limitRelative(id, maxMessages)
	if !known {
		return NewError(CommandError, fmt.Sprintf("unknown subscription %d", id))
	}

	return client.withSession(func(sess *session) error {
		return sess.sendCommand(encodeUnsub(id, wireMax))
	})
}

// MakeRequest publishes payload with a generated one-shot reply inbox and
// returns the inbox subject, so the caller can match the reply by subject.
// The inbox subscription removes itself after the first delivery.
func (client *Client) MakeRequest(subject string, payload []byte) (string, error) {
	inbox := inboxPrefix + uuid.NewString()

	id, err := client.Subscribe(inbox)
	if err != nil {
		return "", err
	}
	if err := client.UnsubscribeAfter(id, 1); err != nil {
		_ = client.Unsubscribe(id)
		return "", err
	}
	if err := client.PublishRequest(subject, inbox, payload); err != nil {
		_ = client.Unsubscribe(id)
		return "", err
	}
	return inbox, nil
}

// Wait blocks until the next deliverable event. It transparently survives an
// internal reconnect; only an exhausted failover pass surfaces an error. No
// deadline is imposed here: callers compose timeouts externally.
func (client *Client) Wait() (Event, error) {
	for {
		waitCh := client.events.notEmpty()
		if event, ok := client.events.tryDequeue(); ok {
			return event, nil
		}

		sess, err := client.currentSession()
		if err != nil {
			return Event{}, err
		}

		select {
		case <-waitCh:
		case <-sess.done():
			// The session died while waiting; the next pass reconnects.
		}
	}
}

// Events returns a restartable iteration view over Wait.
func (client *Client) Events() *EventIterator {
	return &EventIterator{client: client}
}

func spaceCheck(name string, what string) error {
	if name == "" {
		return NewError(CommandError, "a "+what+" cannot be empty")
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return NewError(CommandError, "a "+what+" cannot contain spaces")
	}
	return nil
}

func subjectCheck(subject string) error {
	return spaceCheck(subject, "subject")
}

func queueCheck(group string) error {
	return spaceCheck(group, "queue group name")
}

func inboxCheck(inbox string) error {
	return spaceCheck(inbox, "reply inbox")
}
