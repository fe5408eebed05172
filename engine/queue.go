package engine

import (
	"fmt"
	mathbits "math/bits"
	"sync"

	"github.com/ef-ds/deque"
)

// inboxQueue is a FIFO inbox for inbound submissions with a max capacity
// and an optional length observer. Pushes beyond capacity are rejected
// rather than blocking, so slow consumption can never stall producers.
//
// Caution: the length observer must be non-blocking.
type inboxQueue struct {
	mu             sync.RWMutex
	queue          deque.Deque
	maxCapacity    int
	lengthObserver func(int)
}

type inboxOption func(*inboxQueue) error

// withCapacity bounds the number of queued submissions. By default the
// theoretical capacity is the largest int.
func withCapacity(capacity int) inboxOption {
	return func(q *inboxQueue) error {
		if capacity < 1 {
			return fmt.Errorf("%w: inbox capacity must be positive, got %d", ErrInvalidConfig, capacity)
		}
		q.maxCapacity = capacity
		return nil
	}
}

// withLengthObserver registers a callback invoked with the new length
// whenever it changes.
func withLengthObserver(callback func(int)) inboxOption {
	return func(q *inboxQueue) error {
		if callback == nil {
			return fmt.Errorf("%w: nil inbox length observer", ErrInvalidConfig)
		}
		q.lengthObserver = callback
		return nil
	}
}

func newInboxQueue(options ...inboxOption) (*inboxQueue, error) {
	maxInt := 1<<(mathbits.UintSize-1) - 1

	q := &inboxQueue{
		maxCapacity:    maxInt,
		lengthObserver: func(int) {},
	}
	for _, opt := range options {
		if err := opt(q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// push appends a submission to the tail. It reports false when the
// inbox is full.
func (q *inboxQueue) push(msg *inboundMessage) bool {
	q.mu.Lock()
	length := q.queue.Len()
	pushed := length < q.maxCapacity
	if pushed {
		q.queue.PushBack(msg)
		length++
	}
	q.mu.Unlock()

	if pushed {
		q.lengthObserver(length)
	}
	return pushed
}

// pop removes and returns the head submission, or (nil, false) when the
// inbox is empty.
func (q *inboxQueue) pop() (*inboundMessage, bool) {
	q.mu.Lock()
	event, ok := q.queue.PopFront()
	length := q.queue.Len()
	q.mu.Unlock()

	if !ok {
		return nil, false
	}
	q.lengthObserver(length)
	return event.(*inboundMessage), true
}

func (q *inboxQueue) len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.queue.Len()
}

// notifier wakes the ingest worker when new submissions arrive. It
// behaves like a gate with memory: notifying an already-notified gate
// is a no-op, and a notification sent while nobody waits is delivered
// to the next waiter. Backed by a buffered channel of capacity one, so
// notifying never blocks.
type notifier struct {
	ch chan struct{}
}

func newNotifier() notifier {
	return notifier{ch: make(chan struct{}, 1)}
}

func (n notifier) notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n notifier) channel() <-chan struct{} {
	return n.ch
}
