// Package integrity provides tamper-evident hashing for activity events and
// Merkle roots over a request's history. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/model"
)

const hashV1Prefix = "v1:"

// EventHash returns the versioned SHA-256 content hash of an event. Seq is
// excluded because the store assigns it on append. The timestamp is
// truncated to microseconds, the precision Postgres keeps.
func EventHash(e model.ActivityEvent) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // event fields are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(e.ID.String())
	writeField(e.TenantID.String())
	writeField(string(e.EntityType))
	writeField(e.EntityID.String())
	if e.RequestID != nil {
		writeField(e.RequestID.String())
	} else {
		writeField("")
	}
	writeField(string(e.Action))
	writeField(e.ActorID)
	writeField(e.OccurredAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano))
	writeField(canonicalMetadata(e.Metadata))
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// canonicalMetadata encodes metadata with sorted keys. A nil map and an
// empty map hash the same, since the store persists both as {}.
func canonicalMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// VerifyEvent reports whether the stored hash matches the recomputed one.
func VerifyEvent(e model.ActivityEvent) bool {
	return strings.HasPrefix(e.ContentHash, hashV1Prefix) && e.ContentHash == EventHash(e)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string. The 0x01 prefix
// separates internal nodes from leaves (RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot returns the Merkle root of the leaves in the given order.
// An empty input yields "" and a single leaf is its own root. Odd levels
// hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := slices.Clone(leaves)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

// Report is the outcome of verifying one request's history.
type Report struct {
	RequestID uuid.UUID `json:"request_id"`
	Checked   int       `json:"checked"`
	// Unhashed events were written before hashing existed.
	Unhashed []uuid.UUID `json:"unhashed,omitempty"`
	Tampered []uuid.UUID `json:"tampered,omitempty"`
	// Root is the Merkle root over the stored hashes in append order.
	Root string `json:"root"`
}

// Intact reports whether every hashed event verified.
func (r Report) Intact() bool { return len(r.Tampered) == 0 }

// Verify checks every event of a request and computes the Merkle root over
// the stored hashes, ordered by seq.
func Verify(requestID uuid.UUID, events []model.ActivityEvent) Report {
	ordered := slices.Clone(events)
	slices.SortStableFunc(ordered, func(a, b model.ActivityEvent) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	rep := Report{RequestID: requestID, Checked: len(ordered)}
	leaves := make([]string, 0, len(ordered))
	for _, e := range ordered {
		if e.ContentHash == "" {
			rep.Unhashed = append(rep.Unhashed, e.ID)
			continue
		}
		if !VerifyEvent(e) {
			rep.Tampered = append(rep.Tampered, e.ID)
		}
		leaves = append(leaves, e.ContentHash)
	}
	rep.Root = BuildMerkleRoot(leaves)
	return rep
}
