package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/akarpov/markvault/internal/models"
)

// Checksum computes the canonical digest of a plaintext record set.
// Records are sorted by (record id, record type) before hashing, so the
// result does not depend on query-time ordering, and each record
// contributes a fixed-field line, so the result does not depend on JSON
// whitespace.
// Tombstones are excluded: the digest covers what a fresh pull would
// materialize.
//
// Both the server (checksum endpoint) and the client (pull
// short-circuit) use this same function, which is what makes skipping
// a pull on digest equality safe.
func Checksum(records []models.Record) string {
	live := make([]models.Record, 0, len(records))
	for _, r := range records {
		if !r.Deleted {
			live = append(live, r)
		}
	}
	// Record ids are only unique per type, so the type breaks ties.
	sort.Slice(live, func(i, j int) bool {
		if live[i].RecordID != live[j].RecordID {
			return live[i].RecordID < live[j].RecordID
		}
		return live[i].RecordType < live[j].RecordType
	})

	var b strings.Builder
	for _, r := range live {
		fmt.Fprintf(&b, "%s\x1f%s\x1f%d\x1f%s\n", r.RecordID, r.RecordType, r.Version, r.Data)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
