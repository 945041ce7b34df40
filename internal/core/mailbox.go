package core

import "sync"

// Mailbox is an unbounded FIFO with a channel on the consumer side.
// Push never blocks, so it is safe to call from transport callbacks.
// Out is closed after Seal once the queue drains, or at once on Close.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	wake   chan struct{}
	out    chan T
	done   chan struct{}
	closed bool
	sealed bool
	once   sync.Once
}

func NewMailbox[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *Mailbox[T]) Out() <-chan T { return m.out }

// Push enqueues v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// Seal rejects further pushes and closes Out after the queued items
// have been delivered.
func (m *Mailbox[T]) Seal() {
	m.mu.Lock()
	m.closed = true
	m.sealed = true
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Close drops anything still queued and closes Out.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.queue = nil
		m.mu.Unlock()
		close(m.done)
	})
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox[T]) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			sealed := m.sealed
			m.mu.Unlock()
			if sealed {
				return
			}
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-m.done:
			return
		}
	}
}
