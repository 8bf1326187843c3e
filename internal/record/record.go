// Package record defines the immutable hash-chained ledger entry and its
// canonical hashing contract.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danielpatrickdp/chronicle/internal/state"
	"github.com/google/uuid"
)

// #region constants

// ZeroHash is the prev_hash sentinel for the first record of a segment.
var ZeroHash = strings.Repeat("0", 64)

// maxDigestLen bounds InputDigest so raw conversation text never lands in
// the hot path; longer inputs are stored as their sha256.
const maxDigestLen = 256

// #endregion constants

// #region record

// Record is a single immutable ledger entry. Records are built only by the
// segment package; once constructed the hash is never recomputed or
// mutated.
type Record struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"created_at"`
	InputDigest string       `json:"input_digest"`
	State       state.Vector `json:"state"`
	Decision    Decision     `json:"decision"`
	PrevHash    string       `json:"prev_hash"`
	Hash        string       `json:"hash"`
}

// New builds a record and seals its hash. createdAt is normalized to UTC
// before hashing so the canonical form is timezone-independent.
func New(createdAt time.Time, inputDigest string, st state.Vector, dec Decision, prevHash string) Record {
	r := Record{
		ID:          uuid.New().String(),
		CreatedAt:   createdAt.UTC(),
		InputDigest: BoundDigest(inputDigest),
		State:       st,
		Decision:    dec,
		PrevHash:    prevHash,
	}
	r.Hash = ComputeHash(r.ID, r.CreatedAt, r.InputDigest, r.State, r.Decision, r.PrevHash)
	return r
}

// Recompute returns the hash the record should carry given its current
// fields. Used by chain verification.
func (r Record) Recompute() string {
	return ComputeHash(r.ID, r.CreatedAt, r.InputDigest, r.State, r.Decision, r.PrevHash)
}

// #endregion record

// #region canonical-hash

// ComputeHash derives the record hash from a canonical, fixed-order field
// string. This layout is a portability contract: any implementation, in any
// language, hashing the same fields must produce the same digest. Field
// order is fixed, floats are formatted to six decimals after clamping, and
// timestamps are UTC unix nanoseconds. Do not reorder or reformat.
func ComputeHash(id string, createdAt time.Time, inputDigest string, st state.Vector, dec Decision, prevHash string) string {
	var b strings.Builder
	b.WriteString("id=")
	b.WriteString(id)
	b.WriteString("|created_at=")
	b.WriteString(strconv.FormatInt(createdAt.UTC().UnixNano(), 10))
	b.WriteString("|input_digest=")
	b.WriteString(inputDigest)
	b.WriteString("|state=")
	b.WriteString(formatComponent(st.Tension))
	b.WriteByte(',')
	b.WriteString(formatComponent(st.Drift))
	b.WriteByte(',')
	b.WriteString(formatComponent(st.Risk))
	b.WriteString("|decision=")
	b.WriteString(string(dec.Kind))
	b.WriteByte(0x1f)
	b.WriteString(dec.Reason)
	b.WriteByte(0x1f)
	b.WriteString(dec.TargetHash)
	b.WriteString("|prev_hash=")
	b.WriteString(prevHash)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func formatComponent(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

// #endregion canonical-hash

// #region digest

// BoundDigest caps an input digest at maxDigestLen bytes. Oversized inputs
// collapse to "sha256:<hex>" so the ledger cost per record stays constant
// regardless of input size.
func BoundDigest(s string) string {
	if len(s) <= maxDigestLen {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("sha256:%s", hex.EncodeToString(sum[:]))
}

// #endregion digest
