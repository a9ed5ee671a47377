package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/akarpov/markvault/internal/client/session"
	"github.com/akarpov/markvault/internal/client/store"
	"github.com/akarpov/markvault/internal/models"
	"github.com/akarpov/markvault/internal/vault"
)

const (
	// debounceDelay coalesces a burst of local edits into one sync.
	debounceDelay = 2 * time.Second
	// periodicInterval is the idle background sync cadence.
	periodicInterval = 5 * time.Minute
)

// Engine drives the push/pull cycle. A single cycle runs at a time;
// triggers arriving mid-cycle coalesce into at most one follow-up.
type Engine struct {
	api      *API
	store    *store.Store
	session  *session.Session
	resolver *Resolver
	bus      *Bus
	log      *zap.Logger

	// Strategy applied to background push conflicts. Interactive flows
	// call ResolveConflict directly instead.
	DefaultStrategy Strategy

	kick chan struct{}
}

// NewEngine wires an engine over its collaborators.
func NewEngine(api *API, st *store.Store, sess *session.Session, bus *Bus, log *zap.Logger) *Engine {
	return &Engine{
		api:             api,
		store:           st,
		session:         sess,
		resolver:        NewResolver(st, log),
		bus:             bus,
		log:             log,
		DefaultStrategy: RemoteWins,
		kick:            make(chan struct{}, 1),
	}
}

// Notify schedules a sync soon. Safe to call from any goroutine; calls
// during the debounce window coalesce.
func (e *Engine) Notify() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled, syncing after local edits
// (debounced) and on a periodic timer.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(periodicInterval)
	defer ticker.Stop()

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceDelay)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			e.syncOnce(ctx)
		case <-ticker.C:
			e.syncOnce(ctx)
		}
	}
}

// SyncNow runs one full cycle immediately, unless one is already in
// flight, in which case it reports that instead of queueing.
func (e *Engine) SyncNow(ctx context.Context) error {
	if !e.session.TryBegin() {
		return errors.New("sync already in progress")
	}
	defer e.session.End()
	return e.cycle(ctx)
}

func (e *Engine) syncOnce(ctx context.Context) {
	if !e.session.TryBegin() {
		// A cycle is running; it will pick up queued work.
		return
	}
	defer e.session.End()

	if err := e.cycle(ctx); err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			e.log.Debug("sync skipped, server unreachable", zap.Error(err))
			return
		}
		e.log.Warn("sync failed", zap.Error(err))
	}
}

// cycle pushes the outbox then pulls server changes.
func (e *Engine) cycle(ctx context.Context) error {
	if _, err := e.store.GetState(ctx, store.StateMigrationPending); err == nil {
		return errors.New("sync paused until the sign-in data conflict is resolved")
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load migration flag: %w", err)
	}
	if err := e.pushAll(ctx); err != nil {
		return err
	}
	return e.pullAll(ctx)
}

func (e *Engine) pushAll(ctx context.Context) error {
	for {
		entries, err := e.store.Drain(ctx, models.MaxPushBatch)
		if err != nil {
			return fmt.Errorf("drain outbox: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		ops := make([]models.PushOperation, 0, len(entries))
		for _, entry := range entries {
			ops = append(ops, models.PushOperation{
				RecordID:    entry.RecordID,
				RecordType:  entry.RecordType,
				BaseVersion: entry.BaseVersion,
				Data:        entry.Data,
				Ciphertext:  entry.Ciphertext,
				Deleted:     entry.Deleted,
			})
		}

		resp, err := e.pushWithRetry(ctx, ops)
		if err != nil {
			return err
		}

		byID := make(map[string]models.OutboxEntry, len(entries))
		for _, entry := range entries {
			byID[entry.RecordID] = entry
		}
		for _, res := range resp.Results {
			entry := byID[res.RecordID]
			if err := e.store.Ack(ctx, res.RecordID, entry.Gen); err != nil {
				return fmt.Errorf("ack %s: %w", res.RecordID, err)
			}
			if err := e.store.SetVersion(ctx, res.RecordID, entry.RecordType, res.Version); err != nil {
				return fmt.Errorf("bump version %s: %w", res.RecordID, err)
			}
		}
		for _, conflict := range resp.Conflicts {
			events, err := e.resolver.Resolve(ctx, conflict, e.DefaultStrategy)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", conflict.RecordID, err)
			}
			for _, ev := range events {
				e.bus.Publish(ev)
			}
		}
		e.store.InvalidateDerived()

		if len(entries) < models.MaxPushBatch {
			return nil
		}
	}
}

func (e *Engine) pushWithRetry(ctx context.Context, ops []models.PushOperation) (*models.PushResponse, error) {
	var resp *models.PushResponse
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		resp, err = e.api.Push(ctx, ops)
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			return retry.RetryableError(err)
		}
		return err
	})
	return resp, err
}

func (e *Engine) pullAll(ctx context.Context) error {
	cursor, err := e.store.GetState(ctx, store.StateCursor)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load cursor: %w", err)
	}

	// Checksum short-circuit: plaintext mode only. Ciphertext is not
	// canonicalized server-side, so encrypted accounts always page.
	if !e.session.Encrypted() {
		skip, err := e.checksumUnchanged(ctx)
		if err == nil && skip {
			e.log.Debug("pull skipped, checksum unchanged")
			return nil
		}
		if err != nil {
			var netErr *NetworkError
			if errors.As(err, &netErr) {
				return err
			}
			e.log.Debug("checksum probe failed, paging instead", zap.Error(err))
		}
	}

	changed := false
	for {
		page, err := e.api.Pull(ctx, cursor, "", 0)
		if err != nil {
			return err
		}
		if len(page.Records) > 0 {
			if err := e.store.ApplyBatch(ctx, page.Records); err != nil {
				return fmt.Errorf("apply pull page: %w", err)
			}
			for i := range page.Records {
				e.bus.Publish(eventFor(&page.Records[i]))
			}
			changed = true
		}
		cursor = page.NextCursor
		if err := e.store.SetState(ctx, store.StateCursor, cursor); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		if !page.HasMore {
			break
		}
	}

	if changed {
		e.store.InvalidateDerived()
	}
	if !e.session.Encrypted() {
		if meta, err := e.api.Checksum(ctx); err == nil {
			if err := e.store.SetState(ctx, store.StateLastChecksum, meta.Checksum); err != nil {
				return fmt.Errorf("save checksum: %w", err)
			}
		}
	}
	return nil
}

// checksumUnchanged compares the server checksum against both the last
// seen value and the local record set. Only agreement on both sides
// with an empty outbox allows skipping the page walk.
func (e *Engine) checksumUnchanged(ctx context.Context) (bool, error) {
	pending, err := e.store.OutboxLen(ctx)
	if err != nil || pending > 0 {
		return false, err
	}
	last, err := e.store.GetState(ctx, store.StateLastChecksum)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	meta, err := e.api.Checksum(ctx)
	if err != nil {
		return false, err
	}
	if meta.Checksum != last {
		return false, nil
	}

	records, err := e.store.List(ctx, true)
	if err != nil {
		return false, err
	}
	return vault.Checksum(records) == meta.Checksum, nil
}

// ResolveConflict applies an explicit strategy to one conflict from an
// interactive flow and publishes the resulting changes.
func (e *Engine) ResolveConflict(ctx context.Context, c models.PushConflict, strategy Strategy) error {
	events, err := e.resolver.Resolve(ctx, c, strategy)
	if err != nil {
		return err
	}
	for _, ev := range events {
		e.bus.Publish(ev)
	}
	return nil
}
