package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akarpov/markvault/internal/client/store"
	"github.com/akarpov/markvault/internal/models"
)

func seedConflict(t *testing.T) (*Resolver, *store.Store, models.PushConflict) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.Put(ctx, &models.Record{
		RecordID: "b1", RecordType: models.Bookmark,
		Data: `{"url":"local"}`, Version: 3, UpdatedAt: time.Now(),
	}))
	require.NoError(t, st.Enqueue(ctx, models.OutboxEntry{
		RecordID: "b1", RecordType: models.Bookmark, BaseVersion: 3, Data: `{"url":"local"}`,
	}))

	conflict := models.PushConflict{
		RecordID:      "b1",
		RecordType:    models.Bookmark,
		ServerVersion: 6,
		ServerData:    `{"url":"server"}`,
	}
	return NewResolver(st, zap.NewNop()), st, conflict
}

func TestLocalWinsRebasesOutbox(t *testing.T) {
	r, st, conflict := seedConflict(t)
	ctx := context.Background()

	events, err := r.Resolve(ctx, conflict, LocalWins)
	require.NoError(t, err)
	assert.Empty(t, events)

	entries, err := st.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(6), entries[0].BaseVersion)
	assert.Equal(t, `{"url":"local"}`, entries[0].Data)

	// The local payload stays; only the version tracking moved.
	rec, err := st.Get(ctx, "b1", models.Bookmark)
	require.NoError(t, err)
	assert.Equal(t, `{"url":"local"}`, rec.Data)
	assert.Equal(t, int64(6), rec.Version)
}

func TestKeepBothClonesLocal(t *testing.T) {
	r, st, conflict := seedConflict(t)
	ctx := context.Background()

	events, err := r.Resolve(ctx, conflict, KeepBoth)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Original id carries the server state.
	rec, err := st.Get(ctx, "b1", models.Bookmark)
	require.NoError(t, err)
	assert.Equal(t, `{"url":"server"}`, rec.Data)
	assert.Equal(t, int64(6), rec.Version)

	// The clone waits in the outbox as a brand-new record.
	entries, err := st.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEqual(t, "b1", entries[0].RecordID)
	assert.Equal(t, int64(0), entries[0].BaseVersion)
	assert.Equal(t, `{"url":"local"}`, entries[0].Data)

	clone, err := st.Get(ctx, entries[0].RecordID, models.Bookmark)
	require.NoError(t, err)
	assert.Equal(t, `{"url":"local"}`, clone.Data)
}

func TestRemoteWinsDropsLocal(t *testing.T) {
	r, st, conflict := seedConflict(t)
	ctx := context.Background()

	events, err := r.Resolve(ctx, conflict, RemoteWins)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(6), events[0].Version)

	n, err := st.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := st.Get(ctx, "b1", models.Bookmark)
	require.NoError(t, err)
	assert.Equal(t, `{"url":"server"}`, rec.Data)
}
