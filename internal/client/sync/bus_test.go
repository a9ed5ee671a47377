package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/akarpov/markvault/internal/models"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe()
	defer cancelA()
	defer cancelB()

	bus.Publish(Event{RecordID: "x", RecordType: models.Bookmark, Version: 2})

	assert.Equal(t, "x", (<-a).RecordID)
	assert.Equal(t, "x", (<-b).RecordID)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{RecordID: "x"})
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 100; i++ {
		bus.Publish(Event{RecordID: "x"})
	}
	// Buffer is 64; the rest were dropped, not blocked on.
	assert.Len(t, ch, 64)
}
