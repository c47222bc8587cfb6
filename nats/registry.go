package nats

import "sync"

// subscription tracks one intended wire subscription.
type subscription struct {
	id        uint64
	subject   string
	group     string
	delivered uint64

	// limited subscriptions are removed once remaining reaches zero.
	limited   bool
	remaining uint64
}

// subscriptionEntry is a value snapshot of one active subscription, used to
// replay intended state onto a freshly connected node.
type subscriptionEntry struct {
	ID        uint64
	Subject   string
	Group     string
	Limited   bool
	Remaining uint64
}

// subscriptionRegistry is the source of truth for the client's intended
// subscription state. Both the reader path and command paths mutate it, each
// mutation under the registry lock.
type subscriptionRegistry struct {
	lock   sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
	order  []uint64
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		nextID: 1,
		subs:   make(map[uint64]*subscription),
	}
}

// add registers a new subscription and returns its identifier. Identifiers
// increase monotonically and are never reused for the registry's lifetime,
// reconnects included.
func (registry *subscriptionRegistry) add(subject string, group string) uint64 {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	id := registry.nextID
	registry.nextID++

	registry.subs[id] = &subscription{id: id, subject: subject, group: group}
	registry.order = append(registry.order, id)
	return id
}

// remove deletes a subscription and reports whether the id was known.
func (registry *subscriptionRegistry) remove(id uint64) bool {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return registry.removeLocked(id)
}

func (registry *subscriptionRegistry) removeLocked(id uint64) bool {
	if _, exists := registry.subs[id]; !exists {
		return false
	}
	delete(registry.subs, id)

	filtered := registry.order[:0]
	for _, ordered := range registry.order {
		if ordered != id {
			filtered = append(filtered, ordered)
		}
	}
	registry.order = filtered
	return true
}

// limitRelative caps a subscription at maxMessages further deliveries and
// returns the absolute wire-level cap, counted from the node's own
// subscription start. Reading the delivered counter and setting the budget
// happen under one lock so a concurrent delivery cannot skew the sum. A zero
// cap removes the subscription outright.
func (registry *subscriptionRegistry) limitRelative(id uint64, maxMessages uint64) (wireMax uint64, known bool) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	sub, exists := registry.subs[id]
	if !exists {
		return 0, false
	}
	if maxMessages == 0 {
		registry.removeLocked(id)
		return sub.delivered, true
	}

	sub.limited = true
	sub.remaining = maxMessages
	return sub.delivered + maxMessages, true
}

// deliveredCount returns the messages recorded for a subscription on the
// current node.
func (registry *subscriptionRegistry) deliveredCount(id uint64) uint64 {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	if sub, exists := registry.subs[id]; exists {
		return sub.delivered
	}
	return 0
}

// recordDelivery decrements the remaining budget for one delivered message
// and reports whether the subscription is still active afterwards. When the
// budget is exhausted the subscription is removed; the counter never drops
// below zero. known is false for ids no longer present, e.g. when an UNSUB
// raced with an in-flight message.
func (registry *subscriptionRegistry) recordDelivery(id uint64) (stillActive bool, known bool) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	sub, exists := registry.subs[id]
	if !exists {
		return false, false
	}

	sub.delivered++
	if !sub.limited {
		return true, true
	}

	if sub.remaining > 0 {
		sub.remaining--
	}
	if sub.remaining == 0 {
		registry.removeLocked(id)
		return false, true
	}
	return true, true
}

// resetDeliveryCounts zeroes the per-node delivery counters. A fresh node
// counts a subscription's messages from its own start, so the counters must
// restart with it before the intended state is replayed.
func (registry *subscriptionRegistry) resetDeliveryCounts() {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	for _, sub := range registry.subs {
		sub.delivered = 0
	}
}

// snapshot returns the active subscriptions in original creation order, so a
// replay after failover preserves queue-group semantics.
func (registry *subscriptionRegistry) snapshot() []subscriptionEntry {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	entries := make([]subscriptionEntry, 0, len(registry.order))
	for _, id := range registry.order {
		sub, exists := registry.subs[id]
		if !exists {
			continue
		}
		entries = append(entries, subscriptionEntry{
			ID:        sub.id,
			Subject:   sub.subject,
			Group:     sub.group,
			Limited:   sub.limited,
			Remaining: sub.remaining,
		})
	}
	return entries
}
