package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akarpov/markvault/internal/client/store"
	"github.com/akarpov/markvault/internal/models"
)

// Strategy picks how a push conflict is settled.
type Strategy int

const (
	// RemoteWins discards the local mutation and adopts the server
	// state. This is the default for background syncs.
	RemoteWins Strategy = iota
	// LocalWins rebases the queued mutation onto the server version so
	// the next push overwrites the server copy.
	LocalWins
	// KeepBoth adopts the server state for the original record and
	// re-enqueues the local payload as a brand-new record.
	KeepBoth
)

// Resolver settles push conflicts against the local store.
type Resolver struct {
	store *store.Store
	log   *zap.Logger
}

// NewResolver returns a resolver writing through st.
func NewResolver(st *store.Store, log *zap.Logger) *Resolver {
	return &Resolver{store: st, log: log}
}

// Resolve applies strategy to one conflict. It returns the bus events
// describing what changed locally.
func (r *Resolver) Resolve(ctx context.Context, c models.PushConflict, strategy Strategy) ([]Event, error) {
	switch strategy {
	case LocalWins:
		return r.localWins(ctx, c)
	case KeepBoth:
		return r.keepBoth(ctx, c)
	default:
		return r.remoteWins(ctx, c)
	}
}

func (r *Resolver) remoteWins(ctx context.Context, c models.PushConflict) ([]Event, error) {
	server := serverRecord(c)
	if err := r.store.Apply(ctx, server); err != nil {
		return nil, fmt.Errorf("adopt server state: %w", err)
	}
	if err := r.store.Remove(ctx, c.RecordID); err != nil {
		return nil, fmt.Errorf("drop queued mutation: %w", err)
	}
	r.log.Info("conflict resolved, remote wins",
		zap.String("recordId", c.RecordID),
		zap.Int64("serverVersion", c.ServerVersion))
	return []Event{eventFor(server)}, nil
}

func (r *Resolver) localWins(ctx context.Context, c models.PushConflict) ([]Event, error) {
	// Rebase so the queued mutation's CAS precondition matches the
	// server's current version; the next push wins.
	if err := r.store.Rebase(ctx, c.RecordID, c.ServerVersion); err != nil {
		return nil, fmt.Errorf("rebase queued mutation: %w", err)
	}
	if err := r.store.SetVersion(ctx, c.RecordID, c.RecordType, c.ServerVersion); err != nil {
		return nil, fmt.Errorf("record server version: %w", err)
	}
	r.log.Info("conflict resolved, local wins",
		zap.String("recordId", c.RecordID),
		zap.Int64("rebasedTo", c.ServerVersion))
	return nil, nil
}

func (r *Resolver) keepBoth(ctx context.Context, c models.PushConflict) ([]Event, error) {
	local, err := r.store.Get(ctx, c.RecordID, c.RecordType)
	if err != nil {
		return nil, fmt.Errorf("load local copy: %w", err)
	}

	// The original id adopts the server state; the local payload
	// becomes a new record the server has never seen.
	server := serverRecord(c)
	if err := r.store.Apply(ctx, server); err != nil {
		return nil, fmt.Errorf("adopt server state: %w", err)
	}
	if err := r.store.Remove(ctx, c.RecordID); err != nil {
		return nil, fmt.Errorf("drop queued mutation: %w", err)
	}

	clone := &models.Record{
		RecordID:   uuid.NewString(),
		RecordType: c.RecordType,
		Data:       local.Data,
		Ciphertext: local.Ciphertext,
		Deleted:    local.Deleted,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := r.store.Put(ctx, clone); err != nil {
		return nil, fmt.Errorf("store clone: %w", err)
	}
	if err := r.store.Enqueue(ctx, models.OutboxEntry{
		RecordID:   clone.RecordID,
		RecordType: clone.RecordType,
		Data:       clone.Data,
		Ciphertext: clone.Ciphertext,
		Deleted:    clone.Deleted,
	}); err != nil {
		return nil, fmt.Errorf("enqueue clone: %w", err)
	}

	r.log.Info("conflict resolved, kept both",
		zap.String("recordId", c.RecordID),
		zap.String("cloneId", clone.RecordID))
	return []Event{eventFor(server), eventFor(clone)}, nil
}

func serverRecord(c models.PushConflict) *models.Record {
	return &models.Record{
		RecordID:   c.RecordID,
		RecordType: c.RecordType,
		Data:       c.ServerData,
		Ciphertext: c.ServerCiphertext,
		Version:    c.ServerVersion,
		Deleted:    c.ServerDeleted,
		UpdatedAt:  time.Now().UTC(),
	}
}

func eventFor(rec *models.Record) Event {
	return Event{
		RecordID:   rec.RecordID,
		RecordType: rec.RecordType,
		Version:    rec.Version,
		Deleted:    rec.Deleted,
		Ciphertext: rec.Ciphertext,
		Data:       rec.Data,
	}
}
