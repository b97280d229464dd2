package bus

import "sync"

// mailbox delivers envelopes to fn in arrival order on its own goroutine,
// so a slow subscriber never blocks a publisher.
type mailbox struct {
	fn func(Envelope)

	mu    sync.Mutex
	queue []Envelope
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newMailbox(fn func(Envelope)) *mailbox {
	m := &mailbox{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) put(env Envelope) {
	m.mu.Lock()
	m.queue = append(m.queue, env)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			env := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}
			m.fn(env)
		}
	}
}

func (m *mailbox) stop() {
	m.once.Do(func() { close(m.done) })
}
