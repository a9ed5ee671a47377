package sync

import (
	"sync"

	"github.com/akarpov/markvault/internal/models"
)

// Event is one record-changed notification fanned out after a sync
// cycle applies server state. Encrypted-mode events carry ciphertext
// and version only; subscribers decrypt themselves if unlocked.
type Event struct {
	RecordID   string
	RecordType models.RecordType
	Version    int64
	Deleted    bool
	Ciphertext string
	Data       string
}

// Bus is a small in-process broadcast channel between the sync engine
// and UI listeners. Slow subscribers drop events instead of blocking
// the engine.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a listener. The returned cancel func must be
// called to release the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans the event out to every subscriber, dropping it for any
// whose buffer is full.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
