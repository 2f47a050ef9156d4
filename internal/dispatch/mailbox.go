package dispatch

import "sync"

// mailboxes serializes work per key: all functions enqueued for the same
// key run strictly in order, different keys run concurrently. Used to
// serialize state transitions per job so two events for the same job never
// reorder.
type mailboxes struct {
	mu    sync.Mutex
	boxes map[string]*mailbox
}

type mailbox struct {
	queue []func()
	busy  bool
}

func newMailboxes() *mailboxes {
	return &mailboxes{boxes: make(map[string]*mailbox)}
}

// Do enqueues fn on the key's mailbox. The call returns immediately; fn
// runs on a goroutine that drains the mailbox in FIFO order.
func (m *mailboxes) Do(key string, fn func()) {
	m.mu.Lock()
	box, ok := m.boxes[key]
	if !ok {
		box = &mailbox{}
		m.boxes[key] = box
	}
	box.queue = append(box.queue, fn)
	if box.busy {
		m.mu.Unlock()
		return
	}
	box.busy = true
	m.mu.Unlock()

	go m.drain(key, box)
}

func (m *mailboxes) drain(key string, box *mailbox) {
	for {
		m.mu.Lock()
		if len(box.queue) == 0 {
			box.busy = false
			delete(m.boxes, key)
			m.mu.Unlock()
			return
		}
		fn := box.queue[0]
		box.queue = box.queue[1:]
		m.mu.Unlock()

		fn()
	}
}
