package reflection

import "sync"

// mailbox is an unbounded FIFO of work for one node goroutine.
// Posting never blocks, so nodes can post to each other from inside their own loops.
type mailbox struct {
	queue  []func()
	closed bool
	signal chan struct{}

	mtx *sync.Mutex
}

func newMailbox() *mailbox {
	return &mailbox{
		queue:  make([]func(), 0, 16),
		signal: make(chan struct{}, 1),
		mtx:    new(sync.Mutex),
	}
}

// post enqueues f. It reports false once the mailbox is closed.
func (m *mailbox) post(f func()) bool {
	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return false
	}
	m.queue = append(m.queue, f)
	m.mtx.Unlock()

	m.wake()
	return true
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.mtx.Lock()
	m.closed = true
	m.mtx.Unlock()
	m.wake()
}

// run executes posted work in order. After close, it drains what is queued and returns.
func (m *mailbox) run() {
	for {
		m.mtx.Lock()
		if len(m.queue) == 0 {
			closed := m.closed
			m.mtx.Unlock()
			if closed {
				return
			}
			<-m.signal
			continue
		}
		f := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mtx.Unlock()

		f()
	}
}
