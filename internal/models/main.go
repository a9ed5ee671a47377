// Package models defines the core data structures shared between the
// MarkVault server and client: synced records, the vault key envelope,
// outbox entries and the wire types of the sync protocol.
package models

import "time"

// RecordType identifies the kind of logical record moving through the
// sync pipeline.
type RecordType string

const (
	// Bookmark is a single saved link with its metadata.
	Bookmark RecordType = "bookmark"
	// Space is a named grouping of bookmarks.
	Space RecordType = "space"
	// PinnedView is a saved filter/ordering over bookmarks.
	PinnedView RecordType = "pinned-view"
)

// RecordTypes lists every valid record type, in the order used for
// per-type counts on the wire.
var RecordTypes = []RecordType{Bookmark, Space, PinnedView}

// Valid reports whether t is one of the known record types.
func (t RecordType) Valid() bool {
	switch t {
	case Bookmark, Space, PinnedView:
		return true
	}
	return false
}

// Record is one synced unit. Exactly one of Data (plaintext JSON) or
// Ciphertext (base64 of IV ‖ ciphertext ‖ tag) is set, depending on the
// owner's storage mode.
type Record struct {
	// RecordID is the stable opaque identifier of the record.
	RecordID string `json:"recordId"`
	// RecordType discriminates bookmark, space and pinned-view payloads.
	RecordType RecordType `json:"recordType"`
	// OwnerID is the account the record belongs to.
	OwnerID string `json:"-"`
	// Data holds the plaintext JSON payload in plaintext mode.
	Data string `json:"data,omitempty"`
	// Ciphertext holds the encoded encrypted payload in encrypted mode.
	Ciphertext string `json:"ciphertext,omitempty"`
	// Version is the sync version, the sole concurrency token. It starts
	// at 1 on first accepted push and increments by exactly 1 per
	// accepted mutation.
	Version int64 `json:"version"`
	// Deleted marks a soft tombstone kept so other devices observe the
	// deletion.
	Deleted bool `json:"deleted"`
	// UpdatedAt is the server-side modification time, the pull cursor.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Encrypted reports whether the record carries ciphertext rather than
// plaintext data.
func (r *Record) Encrypted() bool { return r.Ciphertext != "" }

// KDFParams records the cost parameters of the argon2id derivation so
// the same key-encryption key can be re-derived on any device.
type KDFParams struct {
	Algorithm string `json:"algorithm"`
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memoryKiB"`
	Threads   uint8  `json:"threads"`
	KeyLen    uint32 `json:"keyLen"`
}

// KeyWrapper is one passphrase-wrapped copy of the vault key: the salt
// and KDF cost parameters used to derive the key-encryption key, plus
// the AEAD-sealed vault key itself. Binary fields are base64 on the wire.
type KeyWrapper struct {
	WrappedKey string    `json:"wrappedKey"`
	Salt       string    `json:"salt"`
	KDFParams  KDFParams `json:"kdfParams"`
}

// VaultKeyEnvelope is the only durable representation of the vault key.
// The primary wrapper is unlocked by the user's passphrase; recovery
// wrappers wrap the same key under alternate secrets.
type VaultKeyEnvelope struct {
	KeyWrapper
	RecoveryWrappers []KeyWrapper `json:"recoveryWrappers,omitempty"`
}

// OutboxEntry is one pending local mutation awaiting server
// acknowledgement. At most one live entry exists per record id.
type OutboxEntry struct {
	RecordID   string     `json:"recordId"`
	RecordType RecordType `json:"recordType"`
	// BaseVersion is the version the mutation was built against; 0 for a
	// record the server has never seen.
	BaseVersion int64  `json:"baseVersion"`
	Data        string `json:"data,omitempty"`
	Ciphertext  string `json:"ciphertext,omitempty"`
	Deleted     bool   `json:"deleted"`
	EnqueuedAt  time.Time
	// Gen counts supersessions of this entry. It never goes on the wire;
	// the client acknowledges a pushed entry only if the generation still
	// matches, so an edit made while the push was in flight stays queued.
	Gen int64 `json:"-"`
}

// ChecksumMeta summarizes the server's non-deleted plaintext record set.
// Checksum is a digest over the canonical recordId-sorted serialization.
type ChecksumMeta struct {
	Checksum      string        `json:"checksum"`
	Count         int           `json:"count"`
	LastUpdate    time.Time     `json:"lastUpdate"`
	PerTypeCounts PerTypeCounts `json:"perTypeCounts"`
}

// PerTypeCounts breaks the record count down by type.
type PerTypeCounts struct {
	Bookmarks   int `json:"bookmarks"`
	Spaces      int `json:"spaces"`
	PinnedViews int `json:"pinnedViews"`
}

// PushOperation is one entry of a push batch.
type PushOperation struct {
	RecordID   string     `json:"recordId"`
	RecordType RecordType `json:"recordType"`
	// BaseVersion 0 means "insert": the client has never seen a server
	// version of this record.
	BaseVersion int64  `json:"baseVersion"`
	Data        string `json:"data,omitempty"`
	Ciphertext  string `json:"ciphertext,omitempty"`
	Deleted     bool   `json:"deleted"`
}

// PushRequest is the body of POST /api/sync/push.
type PushRequest struct {
	Operations []PushOperation `json:"operations"`
}

// PushResult acknowledges one accepted operation with its new version.
type PushResult struct {
	RecordID string `json:"recordId"`
	Version  int64  `json:"version"`
}

// PushConflict reports one rejected operation together with the server's
// current state so the client can resolve it.
type PushConflict struct {
	RecordID         string     `json:"recordId"`
	RecordType       RecordType `json:"recordType"`
	ServerVersion    int64      `json:"serverVersion"`
	ServerData       string     `json:"serverData,omitempty"`
	ServerCiphertext string     `json:"serverCiphertext,omitempty"`
	ServerDeleted    bool       `json:"serverDeleted"`
}

// PushResponse carries the mixed per-entry outcome of a push batch.
// Success is true when no entry conflicted.
type PushResponse struct {
	Success   bool           `json:"success"`
	Results   []PushResult   `json:"results"`
	Conflicts []PushConflict `json:"conflicts"`
}

// PullResponse is one cursor page of records ordered by UpdatedAt
// ascending. HasMore is true exactly when the page was full.
type PullResponse struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"nextCursor"`
	HasMore    bool     `json:"hasMore"`
}

// VerifyPlaintextResponse is the phase-1 gate of the vault disable
// protocol. Verified is the sole safety predicate; Checksum is
// diagnostic only.
type VerifyPlaintextResponse struct {
	Verified      bool   `json:"verified"`
	ServerCount   int    `json:"serverCount"`
	ExpectedCount int    `json:"expectedCount"`
	Checksum      string `json:"checksum"`
}

// MaxPushBatch is the hard cap on operations per push (and per
// plaintext re-upload batch). Larger batches are rejected whole.
const MaxPushBatch = 100
