// Package segment implements the time-island: an append-only, eventually
// closed batch of hash-chained records.
package segment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danielpatrickdp/chronicle/internal/record"
	"github.com/danielpatrickdp/chronicle/internal/state"
	"github.com/google/uuid"
)

// #region errors

// ErrClosed is returned when a caller tries to append to a closed segment.
// It always indicates a caller bug; closed segments never reopen.
var ErrClosed = errors.New("segment is closed")

// IntegrityError reports a hash or link mismatch found while verifying a
// segment chain.
type IntegrityError struct {
	SegmentID string
	Index     int
	RecordID  string
	Mismatch  string // "link", "hash", or "aggregate"
	Detail    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: segment %s record[%d] %s: %s mismatch: %s",
		e.SegmentID, e.Index, e.RecordID, e.Mismatch, e.Detail)
}

// #endregion errors

// #region status

// Status is the segment lifecycle state. The only transition is
// Open → Closed; Closed is terminal.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// #endregion status

// #region segment

// Segment is an ordered, append-only sequence of records. Insertion order
// is chain order: each record's PrevHash is the hash of the record before
// it, with the zero-hash sentinel at position 0.
type Segment struct {
	ID            string
	CreatedAt     time.Time
	ClosedAt      *time.Time
	Status        Status
	Summary       string
	AggregateHash string

	records []record.Record
}

// New opens a fresh segment.
func New(now time.Time) *Segment {
	return &Segment{
		ID:        uuid.New().String(),
		CreatedAt: now.UTC(),
		Status:    StatusOpen,
	}
}

// Restore rebuilds an open, empty segment shell from persisted fields.
// Records are re-adopted one by one by the loader, then verified.
func Restore(id string, createdAt time.Time) *Segment {
	return &Segment{
		ID:        id,
		CreatedAt: createdAt.UTC(),
		Status:    StatusOpen,
	}
}

// Records returns the chain in insertion order. The slice is a copy; the
// segment's own records stay immutable.
func (s *Segment) Records() []record.Record {
	out := make([]record.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of records in the segment.
func (s *Segment) Len() int {
	return len(s.records)
}

// Last returns the most recent record, or nil for an empty segment.
func (s *Segment) Last() *record.Record {
	if len(s.records) == 0 {
		return nil
	}
	r := s.records[len(s.records)-1]
	return &r
}

// #endregion segment

// #region append

// NextLink resolves the chain position of the next record: its prev-hash
// (the last record's hash or the zero-hash sentinel) and its timestamp,
// clamped so created_at never decreases within a segment even if the wall
// clock steps backwards. Fails on a closed segment.
func (s *Segment) NextLink(now time.Time) (time.Time, string, error) {
	if s.Status == StatusClosed {
		return time.Time{}, "", ErrClosed
	}
	now = now.UTC()
	prevHash := record.ZeroHash
	if last := s.Last(); last != nil {
		prevHash = last.Hash
		if now.Before(last.CreatedAt) {
			now = last.CreatedAt
		}
	}
	return now, prevHash, nil
}

// Append seals a new record onto the chain via NextLink.
func (s *Segment) Append(now time.Time, inputDigest string, st state.Vector, dec record.Decision) (record.Record, error) {
	ts, prevHash, err := s.NextLink(now)
	if err != nil {
		return record.Record{}, err
	}
	r := record.New(ts, inputDigest, st, dec, prevHash)
	s.records = append(s.records, r)
	return r, nil
}

// Adopt re-attaches an already-sealed record during load. No hashing is
// done here; VerifyChain runs after the whole segment is rebuilt.
func (s *Segment) Adopt(r record.Record) error {
	if s.Status == StatusClosed {
		return ErrClosed
	}
	s.records = append(s.records, r)
	return nil
}

// #endregion append

// #region close

// Close seals the segment and computes its aggregate hash. Closing an
// already-closed segment is a no-op, matching append-only semantics while
// tolerating duplicate close requests.
func (s *Segment) Close(now time.Time) {
	if s.Status == StatusClosed {
		return
	}
	ts := now.UTC()
	s.ClosedAt = &ts
	s.Status = StatusClosed
	s.AggregateHash = s.computeAggregate()
}

// computeAggregate hashes the concatenated record hashes together with the
// segment identity. An empty segment degenerates to hashing the identity
// alone, which is legal.
func (s *Segment) computeAggregate() string {
	var b strings.Builder
	for _, r := range s.records {
		b.WriteString(r.Hash)
	}
	b.WriteString(s.ID)
	b.WriteString(strconv.FormatInt(s.CreatedAt.UnixNano(), 10))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// #endregion close

// #region verify

// VerifyChain walks the records in order, checking every prev-hash link and
// recomputing every record hash. For a closed segment it also recomputes
// the aggregate hash. Returns the first mismatch found.
func (s *Segment) VerifyChain() error {
	for i, r := range s.records {
		want := record.ZeroHash
		if i > 0 {
			want = s.records[i-1].Hash
		}
		if r.PrevHash != want {
			return &IntegrityError{
				SegmentID: s.ID,
				Index:     i,
				RecordID:  r.ID,
				Mismatch:  "link",
				Detail:    fmt.Sprintf("prev_hash %s, chain expects %s", short(r.PrevHash), short(want)),
			}
		}
		if got := r.Recompute(); got != r.Hash {
			return &IntegrityError{
				SegmentID: s.ID,
				Index:     i,
				RecordID:  r.ID,
				Mismatch:  "hash",
				Detail:    fmt.Sprintf("stored %s, recomputed %s", short(r.Hash), short(got)),
			}
		}
	}

	if s.Status == StatusClosed {
		if got := s.computeAggregate(); got != s.AggregateHash {
			return &IntegrityError{
				SegmentID: s.ID,
				Index:     len(s.records) - 1,
				Mismatch:  "aggregate",
				Detail:    fmt.Sprintf("stored %s, recomputed %s", short(s.AggregateHash), short(got)),
			}
		}
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// #endregion verify
