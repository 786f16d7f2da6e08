package client

import "sync"

// mailbox is an unbounded FIFO drained by one goroutine, so items are
// handled strictly in push order and a slow consumer never blocks the
// producer.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox[T any](handle func(T)) *mailbox[T] {
	mb := &mailbox[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go mb.run(handle)
	return mb
}

// push appends v. It returns false once the mailbox is closed.
func (mb *mailbox[T]) push(v T) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.items = append(mb.items, v)
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
	return true
}

// close discards pending items and stops the goroutine after the item in
// progress, if any. It does not wait.
func (mb *mailbox[T]) close() {
	mb.mu.Lock()
	if !mb.closed {
		mb.closed = true
		mb.items = nil
	}
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (mb *mailbox[T]) run(handle func(T)) {
	defer close(mb.done)
	for {
		mb.mu.Lock()
		if mb.closed {
			mb.mu.Unlock()
			return
		}
		if len(mb.items) == 0 {
			mb.mu.Unlock()
			<-mb.wake
			continue
		}
		v := mb.items[0]
		var zero T
		mb.items[0] = zero
		mb.items = mb.items[1:]
		mb.mu.Unlock()

		handle(v)
	}
}
