package nats

import "sync"

// Event is one delivered message. Ownership transfers to the caller on
// delivery; the payload is never reused by the client.
type Event struct {
	// Subject the message arrived on.
	Subject string

	// SubscriptionID identifies which local subscription matched.
	SubscriptionID uint64

	// Payload holds the raw message bytes.
	Payload []byte

	// ReplyTo carries the sender-supplied inbox subject, if any.
	ReplyTo string
}

// eventQueue is an unbounded FIFO ring buffer connecting the session reader
// to Wait callers.
type eventQueue struct {
	lock       sync.Mutex
	capacity   uint64
	length     uint64
	first      uint64
	last       uint64
	ring       []Event
	notEmptyCh chan struct{}
}

func newEventQueue(initialSize uint64) *eventQueue {
	return &eventQueue{
		capacity:   initialSize,
		ring:       make([]Event, initialSize),
		notEmptyCh: make(chan struct{}),
	}
}

func (queue *eventQueue) enqueue(event Event) {
	queue.lock.Lock()
	defer queue.lock.Unlock()

	if queue.capacity == queue.length {
		queue.resize()
	}

	if queue.length != 0 {
		queue.last = (queue.last + 1) % queue.capacity
	}
	queue.ring[queue.last] = event
	queue.length++

	close(queue.notEmptyCh)
	queue.notEmptyCh = make(chan struct{})
}

func (queue *eventQueue) tryDequeue() (Event, bool) {
	queue.lock.Lock()
	defer queue.lock.Unlock()

	if queue.length == 0 {
		return Event{}, false
	}

	event := queue.ring[queue.first]
	queue.ring[queue.first] = Event{}
	queue.length--

	if queue.length > 0 {
		queue.first = (queue.first + 1) % queue.capacity
	} else {
		queue.first = 0
		queue.last = 0
	}

	return event, true
}

// notEmpty returns a channel closed on the next enqueue. Callers must fetch
// the channel before a failed tryDequeue to avoid missing a concurrent
// enqueue.
func (queue *eventQueue) notEmpty() <-chan struct{} {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	return queue.notEmptyCh
}

func (queue *eventQueue) resize() {
	newRing := make([]Event, queue.capacity*2)

	read := queue.first
	for copied := uint64(0); copied < queue.length; copied++ {
		newRing[copied] = queue.ring[read]
		read = (read + 1) % queue.capacity
	}

	queue.ring = newRing
	queue.first = 0
	if queue.length > 0 {
		queue.last = queue.length - 1
	} else {
		queue.last = 0
	}
	queue.capacity *= 2
}

// EventIterator is a restartable iteration view over the event stream. It
// layers on Wait: each Next blocks for the next deliverable event. After Next
// reports false the cause is available from Err, and the iterator may be
// reused once connectivity is restored.
type EventIterator struct {
	client *Client
	err    error
}

// Next returns the next event and whether iteration should continue.
func (iterator *EventIterator) Next() (Event, bool) {
	if iterator == nil || iterator.client == nil {
		return Event{}, false
	}

	iterator.err = nil
	event, err := iterator.client.Wait()
	if err != nil {
		iterator.err = err
		return Event{}, false
	}
	return event, true
}

// Err reports the error that terminated the last Next call, if any.
func (iterator *EventIterator) Err() error {
	if iterator == nil {
		return nil
	}
	return iterator.err
}
