package vaultflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akarpov/markvault/internal/client/session"
	"github.com/akarpov/markvault/internal/client/store"
	syncapi "github.com/akarpov/markvault/internal/client/sync"
	"github.com/akarpov/markvault/internal/models"
	"github.com/akarpov/markvault/internal/vault"
)

// fakeServer records the vault lifecycle calls the flow makes.
// Accepted pushes are reflected into later pulls.
type fakeServer struct {
	mu         sync.Mutex
	envelope   *models.VaultKeyEnvelope
	uploaded   []models.Record
	actions    []string
	verified   bool
	pullBlocks []models.Record
	pushed     []models.PushOperation
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/vault/envelope", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			if f.envelope == nil {
				http.Error(w, "no vault", http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(f.envelope)
		case http.MethodPut:
			if f.envelope != nil {
				http.Error(w, "vault already exists", http.StatusConflict)
				return
			}
			var env models.VaultKeyEnvelope
			require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
			f.envelope = &env
			w.WriteHeader(http.StatusCreated)
		}
	})
	mux.HandleFunc("/api/vault/plaintext", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Records []models.Record `json:"records"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.uploaded = append(f.uploaded, req.Records...)
		f.mu.Unlock()
	})
	mux.HandleFunc("/api/vault/verify-plaintext", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(models.VerifyPlaintextResponse{Verified: f.verified})
	})
	mux.HandleFunc("/api/vault/disable", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.actions = append(f.actions, req.Action)
		f.mu.Unlock()
	})
	mux.HandleFunc("/api/sync/push", func(w http.ResponseWriter, r *http.Request) {
		var req models.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		resp := models.PushResponse{Success: true}
		for _, op := range req.Operations {
			f.pushed = append(f.pushed, op)
			rec := models.Record{
				RecordID: op.RecordID, RecordType: op.RecordType,
				Data: op.Data, Ciphertext: op.Ciphertext,
				Version: op.BaseVersion + 1, Deleted: op.Deleted, UpdatedAt: time.Now(),
			}
			stored := false
			for i := range f.pullBlocks {
				if f.pullBlocks[i].RecordID == rec.RecordID && f.pullBlocks[i].RecordType == rec.RecordType {
					f.pullBlocks[i] = rec
					stored = true
					break
				}
			}
			if !stored {
				f.pullBlocks = append(f.pullBlocks, rec)
			}
			resp.Results = append(resp.Results, models.PushResult{RecordID: rec.RecordID, Version: rec.Version})
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(models.PullResponse{Records: f.pullBlocks})
	})
	mux.HandleFunc("/api/sync/checksum", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.ChecksumMeta{})
	})
	return mux
}

func newTestFlow(t *testing.T, fake *fakeServer) (*Flow, *store.Store, *session.Session) {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess := session.New()
	api := syncapi.NewAPI(srv.URL)
	engine := syncapi.NewEngine(api, st, sess, syncapi.NewBus(), zap.NewNop())
	return New(api, st, sess, engine, zap.NewNop()), st, sess
}

func seedPlaintext(t *testing.T, st *store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	ids := []string{"b1", "b2", "b3", "b4", "b5"}
	for i := 0; i < n; i++ {
		require.NoError(t, st.Put(ctx, &models.Record{
			RecordID: ids[i], RecordType: models.Bookmark,
			Data: `{"url":"https://example.org"}`, Version: 1, UpdatedAt: time.Now(),
		}))
	}
}

func TestEnableEncryptsAndPushes(t *testing.T) {
	fake := &fakeServer{}
	flow, st, sess := newTestFlow(t, fake)
	ctx := context.Background()
	seedPlaintext(t, st, 2)

	require.NoError(t, flow.Enable(ctx, "correct horse"))

	assert.True(t, sess.Unlocked())
	assert.True(t, sess.Encrypted())
	require.NotNil(t, fake.envelope)

	// The envelope round-trips with the chosen passphrase.
	key, err := vault.Unwrap(fake.envelope, "correct horse")
	require.NoError(t, err)

	records, err := st.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Empty(t, rec.Data)
		plain, err := vault.Decrypt(rec.Ciphertext, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"url":"https://example.org"}`, string(plain))
	}

	n, err := st.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	mode, err := st.GetState(ctx, store.StateSyncMode)
	require.NoError(t, err)
	assert.Equal(t, "encrypted", mode)
}

func TestEnableWrongPassphraseOnExistingVault(t *testing.T) {
	key, err := vault.GenerateVaultKey()
	require.NoError(t, err)
	env, err := vault.CreateEnvelope("other", key)
	require.NoError(t, err)

	fake := &fakeServer{envelope: env}
	flow, st, sess := newTestFlow(t, fake)
	ctx := context.Background()
	seedPlaintext(t, st, 2)

	err = flow.Enable(ctx, "pw")
	require.Error(t, err)

	// Nothing local changed.
	assert.False(t, sess.Unlocked())
	assert.False(t, sess.Encrypted())
	records, err := st.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.NotEmpty(t, rec.Data)
		assert.Empty(t, rec.Ciphertext)
	}
	_, err = st.GetState(ctx, store.StateSyncMode)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnableResumesAfterInterruptedRun(t *testing.T) {
	key, err := vault.GenerateVaultKey()
	require.NoError(t, err)
	env, err := vault.CreateEnvelope("pw", key)
	require.NoError(t, err)

	// An earlier enable crashed right after uploading the envelope; the
	// local records are still plaintext.
	fake := &fakeServer{envelope: env}
	flow, st, sess := newTestFlow(t, fake)
	ctx := context.Background()
	seedPlaintext(t, st, 2)

	require.NoError(t, flow.Enable(ctx, "pw"))

	assert.True(t, sess.Encrypted())
	records, err := st.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Empty(t, rec.Data)
		// The adopted key, not a fresh one, sealed the records.
		plain, err := vault.Decrypt(rec.Ciphertext, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"url":"https://example.org"}`, string(plain))
	}

	n, err := st.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func enableVault(t *testing.T, flow *Flow, fake *fakeServer) {
	t.Helper()
	require.NoError(t, flow.Enable(context.Background(), "pw"))
	fake.mu.Lock()
	fake.actions = nil
	fake.uploaded = nil
	fake.mu.Unlock()
}

func TestDisableBlockedByFailedVerification(t *testing.T) {
	fake := &fakeServer{verified: false}
	flow, st, _ := newTestFlow(t, fake)
	seedPlaintext(t, st, 3)
	enableVault(t, flow, fake)

	err := flow.Disable(context.Background())
	require.ErrorIs(t, err, ErrVerifyFailed)

	// No destructive call was made and the protocol rewound to the
	// re-upload phase.
	assert.Empty(t, fake.actions)
	phase, err := st.GetState(context.Background(), store.StateDisablePhase)
	require.NoError(t, err)
	assert.Equal(t, "reupload", phase)
}

func TestDisableFullRun(t *testing.T) {
	fake := &fakeServer{verified: true}
	flow, st, sess := newTestFlow(t, fake)
	ctx := context.Background()
	seedPlaintext(t, st, 3)
	enableVault(t, flow, fake)

	require.NoError(t, flow.Disable(ctx))

	assert.Equal(t, []string{"delete-encrypted", "delete-vault"}, fake.actions)
	assert.Len(t, fake.uploaded, 3)
	for _, rec := range fake.uploaded {
		assert.Empty(t, rec.Ciphertext)
		assert.JSONEq(t, `{"url":"https://example.org"}`, rec.Data)
	}

	assert.False(t, sess.Encrypted())
	records, err := st.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Empty(t, rec.Ciphertext)
		assert.NotEmpty(t, rec.Data)
	}

	_, err = st.GetState(ctx, store.StateDisablePhase)
	assert.ErrorIs(t, err, store.ErrNotFound)
	mode, err := st.GetState(ctx, store.StateSyncMode)
	require.NoError(t, err)
	assert.Equal(t, "plaintext", mode)
}

func TestDisableResumesFromPersistedPhase(t *testing.T) {
	fake := &fakeServer{verified: true}
	flow, st, _ := newTestFlow(t, fake)
	ctx := context.Background()
	seedPlaintext(t, st, 2)
	enableVault(t, flow, fake)

	// Simulate a crash after the verification gate passed.
	require.NoError(t, st.SetState(ctx, store.StateDisablePhase, "purge-encrypted"))

	require.NoError(t, flow.Disable(ctx))

	// Re-upload and verify were skipped; only the destructive phase ran.
	assert.Empty(t, fake.uploaded)
	assert.Equal(t, []string{"delete-encrypted", "delete-vault"}, fake.actions)
}

func TestDisableRequiresUnlockedSession(t *testing.T) {
	fake := &fakeServer{verified: true}
	flow, st, sess := newTestFlow(t, fake)
	seedPlaintext(t, st, 1)
	enableVault(t, flow, fake)

	sess.Lock()

	err := flow.Disable(context.Background())
	assert.ErrorIs(t, err, session.ErrLocked)
	assert.Empty(t, fake.actions)
}

func TestDisableFlushesQueuedCiphertextEdit(t *testing.T) {
	fake := &fakeServer{verified: true}
	flow, st, sess := newTestFlow(t, fake)
	ctx := context.Background()
	seedPlaintext(t, st, 1)
	enableVault(t, flow, fake)

	// An edit is still queued when the disable starts.
	key, err := sess.Key()
	require.NoError(t, err)
	ct, err := vault.Encrypt([]byte(`{"url":"https://example.org/edited"}`), key)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, &models.Record{
		RecordID: "b1", RecordType: models.Bookmark, Ciphertext: ct, Version: 1, UpdatedAt: time.Now(),
	}))
	require.NoError(t, st.Enqueue(ctx, models.OutboxEntry{
		RecordID: "b1", RecordType: models.Bookmark, BaseVersion: 1, Ciphertext: ct,
	}))

	require.NoError(t, flow.Disable(ctx))

	// The edit went out before the re-upload, so the plaintext copy the
	// server verified carries it, and nothing is left queued that could
	// recreate encrypted rows after the purge.
	require.Len(t, fake.uploaded, 1)
	assert.JSONEq(t, `{"url":"https://example.org/edited"}`, fake.uploaded[0].Data)

	n, err := st.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := st.Get(ctx, "b1", models.Bookmark)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.org/edited"}`, rec.Data)
}

func TestDetectMigrationConflict(t *testing.T) {
	fake := &fakeServer{
		envelope:   &models.VaultKeyEnvelope{},
		pullBlocks: []models.Record{{RecordID: "cloud", RecordType: models.Bookmark, Ciphertext: "xx", Version: 1}},
	}
	flow, st, _ := newTestFlow(t, fake)
	ctx := context.Background()
	seedPlaintext(t, st, 1)

	conflict, err := flow.DetectMigrationConflict(ctx)
	require.NoError(t, err)
	assert.True(t, conflict)

	// Sync stays blocked until the user resolves the conflict.
	flag, err := st.GetState(ctx, store.StateMigrationPending)
	require.NoError(t, err)
	assert.Equal(t, "1", flag)
}

func TestDetectMigrationConflictBetweenPlaintextSides(t *testing.T) {
	fake := &fakeServer{
		pullBlocks: []models.Record{{RecordID: "cloud", RecordType: models.Bookmark, Data: "{}", Version: 1, UpdatedAt: time.Now()}},
	}
	flow, st, _ := newTestFlow(t, fake)
	ctx := context.Background()
	seedPlaintext(t, st, 1)

	// No vault anywhere; both sides holding data is still a conflict
	// the user has to settle.
	conflict, err := flow.DetectMigrationConflict(ctx)
	require.NoError(t, err)
	assert.True(t, conflict)

	flag, err := st.GetState(ctx, store.StateMigrationPending)
	require.NoError(t, err)
	assert.Equal(t, "1", flag)
}

func TestNoMigrationConflictWithoutLocalData(t *testing.T) {
	fake := &fakeServer{envelope: &models.VaultKeyEnvelope{}}
	flow, _, _ := newTestFlow(t, fake)

	conflict, err := flow.DetectMigrationConflict(context.Background())
	require.NoError(t, err)
	assert.False(t, conflict)
}

func TestResolveMigrationCloudWins(t *testing.T) {
	fake := &fakeServer{envelope: &models.VaultKeyEnvelope{}}
	flow, st, sess := newTestFlow(t, fake)
	ctx := context.Background()
	seedPlaintext(t, st, 2)
	require.NoError(t, st.SetState(ctx, store.StateMigrationPending, "1"))

	require.NoError(t, flow.ResolveMigration(ctx, CloudWins, ""))

	records, err := st.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.True(t, sess.Encrypted())

	_, err = st.GetState(ctx, store.StateMigrationPending)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveMigrationCloudWinsStaysPlaintext(t *testing.T) {
	fake := &fakeServer{
		pullBlocks: []models.Record{{RecordID: "cloud", RecordType: models.Bookmark, Data: "{}", Version: 1, UpdatedAt: time.Now()}},
	}
	flow, st, sess := newTestFlow(t, fake)
	ctx := context.Background()
	seedPlaintext(t, st, 2)
	require.NoError(t, st.SetState(ctx, store.StateMigrationPending, "1"))

	require.NoError(t, flow.ResolveMigration(ctx, CloudWins, ""))

	records, err := st.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, records)

	// No envelope on the account, so the device stays in plaintext mode.
	assert.False(t, sess.Encrypted())
	mode, err := st.GetState(ctx, store.StateSyncMode)
	require.NoError(t, err)
	assert.Equal(t, "plaintext", mode)
	_, err = st.GetState(ctx, store.StateMigrationPending)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveMigrationMergeKeepsNewest(t *testing.T) {
	now := time.Now().UTC()
	hourAgo := now.Add(-time.Hour)
	fake := &fakeServer{pullBlocks: []models.Record{
		{RecordID: "b1", RecordType: models.Bookmark, Data: `{"url":"https://cloud.example/1"}`, Version: 3, UpdatedAt: now},
		{RecordID: "b2", RecordType: models.Bookmark, Data: `{"url":"https://cloud.example/2"}`, Version: 5, UpdatedAt: hourAgo},
		{RecordID: "c1", RecordType: models.Bookmark, Data: `{"url":"https://cloud.example/3"}`, Version: 2, UpdatedAt: now},
	}}
	flow, st, sess := newTestFlow(t, fake)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, &models.Record{
		RecordID: "b1", RecordType: models.Bookmark, Data: `{"url":"https://local.example/1"}`, UpdatedAt: hourAgo,
	}))
	require.NoError(t, st.Put(ctx, &models.Record{
		RecordID: "b2", RecordType: models.Bookmark, Data: `{"url":"https://local.example/2"}`, UpdatedAt: now,
	}))
	require.NoError(t, st.SetState(ctx, store.StateMigrationPending, "1"))

	require.NoError(t, flow.ResolveMigration(ctx, MergeLocal, ""))

	// Cloud b1 was newer, local b2 was newer, c1 existed only in the
	// cloud; all three survive with the most recent copy.
	b1, err := st.Get(ctx, "b1", models.Bookmark)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://cloud.example/1"}`, b1.Data)
	b2, err := st.Get(ctx, "b2", models.Bookmark)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://local.example/2"}`, b2.Data)
	_, err = st.Get(ctx, "c1", models.Bookmark)
	require.NoError(t, err)

	// Only the surviving local copy was pushed, on top of the cloud
	// version so the server accepts it as an update.
	fake.mu.Lock()
	pushed := append([]models.PushOperation(nil), fake.pushed...)
	fake.mu.Unlock()
	require.Len(t, pushed, 1)
	assert.Equal(t, "b2", pushed[0].RecordID)
	assert.Equal(t, int64(5), pushed[0].BaseVersion)
	assert.JSONEq(t, `{"url":"https://local.example/2"}`, pushed[0].Data)

	assert.False(t, sess.Encrypted())
	_, err = st.GetState(ctx, store.StateMigrationPending)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
