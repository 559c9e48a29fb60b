package checkpointwatcher

import (
	"sync"

	"github.com/forkmeplease/powersync-service/internal/domain"
)

// mailbox is the bounded single-slot "last value wins" cell spec.md §9
// calls for: the producer overwrites, the consumer reads-and-clears.
// Unbounded queues are deliberately avoided - a slow consumer should
// only ever see the latest value, not a backlog.
type mailbox struct {
	mu     sync.Mutex
	val    domain.Checkpoint
	filled bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(v domain.Checkpoint) {
	m.mu.Lock()
	m.val = v
	m.filled = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// take returns and clears the current value, if any has been put since
// the last take.
func (m *mailbox) take() (domain.Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.filled {
		return domain.Checkpoint{}, false
	}
	v := m.val
	m.filled = false
	return v, true
}
