// Package ledger is the single entry point of the memory log. It sequences
// segment lifecycle, record hash-chaining, journal persistence, and
// similarity queries behind one handle, the way the rest of the system
// consumes it.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danielpatrickdp/chronicle/internal/archive"
	"github.com/danielpatrickdp/chronicle/internal/index"
	"github.com/danielpatrickdp/chronicle/internal/journal"
	"github.com/danielpatrickdp/chronicle/internal/record"
	"github.com/danielpatrickdp/chronicle/internal/segment"
	"github.com/danielpatrickdp/chronicle/internal/state"
)

// #region errors

// ErrEmptyLedger is returned by Rollback when no record exists anywhere in
// the ledger yet.
var ErrEmptyLedger = errors.New("ledger has no records")

// #endregion errors

// #region config

// Mode selects how load-time verification failures are handled.
type Mode string

const (
	// ModeStrict aborts the load on any integrity or decode failure. This
	// is the default and the recommended production setting.
	ModeStrict Mode = "strict"
	// ModeLenient logs each failure and drops the affected segment. It is
	// an explicit opt-in for migration and recovery only.
	ModeLenient Mode = "lenient"
)

// Config is supplied by the host process; the ledger owns no configuration
// sources of its own.
type Config struct {
	// Path locates the journal file. Required.
	Path string
	// Mode defaults to ModeStrict when empty.
	Mode Mode
	// Logger receives lenient-mode skips and archive mirror failures.
	// Defaults to slog.Default().
	Logger *slog.Logger
	// Archive, when set, receives a mirror of every segment on close.
	Archive *archive.Store
}

// #endregion config

// #region ledger

// Ledger owns the segment list, the similarity index, and the journal
// handle. One lock serializes all mutation; queries take the read side.
// The journal file must be owned by exactly one Ledger process; external
// concurrent writers are a deployment constraint, not handled here.
type Ledger struct {
	mu sync.RWMutex

	cfg      Config
	log      *slog.Logger
	w        *journal.Writer
	segments []*segment.Segment
	idx      *index.Index

	now func() time.Time // test seam
}

// Open loads the journal at cfg.Path, reconstructs and verifies every
// segment, and returns a ledger ready for appends. In strict mode any
// decode or chain failure aborts the load; in lenient mode it is logged
// and the affected segment dropped.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ledger: journal path is required")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeStrict
	case ModeStrict, ModeLenient:
	default:
		return nil, fmt.Errorf("ledger: unknown mode %q", cfg.Mode)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Ledger{
		cfg: cfg,
		log: logger,
		idx: index.New(),
		now: time.Now,
	}
	if err := l.load(); err != nil {
		return nil, err
	}

	w, err := journal.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	l.w = w
	return l, nil
}

// Close releases the journal handle. The ledger must not be used after.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// #endregion ledger

// #region load

func (l *Ledger) load() error {
	lines, err := journal.ReadAll(l.cfg.Path)
	if err != nil {
		return fmt.Errorf("ledger load: %w", err)
	}

	lenient := l.cfg.Mode == ModeLenient
	byID := make(map[string]*segment.Segment)
	bad := make(map[string]bool)
	var segs []*segment.Segment
	var open *segment.Segment

	fail := func(format string, args ...any) error {
		if lenient {
			l.log.Warn("lenient load: skipping", "detail", fmt.Sprintf(format, args...))
			return nil
		}
		return fmt.Errorf("ledger load: "+format, args...)
	}

	for _, ln := range lines {
		if ln.Err != nil {
			if ln.Torn {
				if err := fail("torn tail at line %d: %v", ln.Num, ln.Err); err != nil {
					return err
				}
				continue
			}
			if err := fail("undecodable line %d: %v", ln.Num, ln.Err); err != nil {
				return err
			}
			continue
		}

		ev := ln.Event
		switch ev.Kind {
		case journal.KindSegmentOpen:
			if open != nil {
				if err := fail("segment %s opened while %s still open", ev.SegmentID, open.ID); err != nil {
					return err
				}
				// Lenient recovery: seal the dangling segment in place.
				open.Close(*ev.CreatedAt)
			}
			s := segment.Restore(ev.SegmentID, *ev.CreatedAt)
			byID[s.ID] = s
			segs = append(segs, s)
			open = s

		case journal.KindStepAppended:
			s := byID[ev.SegmentID]
			if s == nil {
				if err := fail("step for unknown segment %s at line %d", ev.SegmentID, ln.Num); err != nil {
					return err
				}
				continue
			}
			if err := s.Adopt(*ev.Record); err != nil {
				if err := fail("step for closed segment %s at line %d", ev.SegmentID, ln.Num); err != nil {
					return err
				}
				bad[s.ID] = true
			}

		case journal.KindSegmentClosed:
			s := byID[ev.SegmentID]
			if s == nil {
				if err := fail("close for unknown segment %s at line %d", ev.SegmentID, ln.Num); err != nil {
					return err
				}
				continue
			}
			s.Summary = ev.Summary
			s.Close(*ev.ClosedAt)
			if open == s {
				open = nil
			}
			if s.AggregateHash != ev.AggregateHash {
				ie := &segment.IntegrityError{
					SegmentID: s.ID,
					Index:     s.Len() - 1,
					Mismatch:  "aggregate",
					Detail:    "persisted aggregate hash diverges from recomputation",
				}
				if lenient {
					l.log.Warn("lenient load: dropping segment", "segment", s.ID, "err", ie)
					bad[s.ID] = true
					continue
				}
				return fmt.Errorf("ledger load: %w", ie)
			}
		}
	}

	for _, s := range segs {
		if bad[s.ID] {
			continue
		}
		if err := s.VerifyChain(); err != nil {
			if lenient {
				l.log.Warn("lenient load: dropping segment", "segment", s.ID, "err", err)
				bad[s.ID] = true
				continue
			}
			return fmt.Errorf("ledger load: %w", err)
		}
	}

	for _, s := range segs {
		if bad[s.ID] {
			continue
		}
		l.segments = append(l.segments, s)
		prevID := ""
		for _, r := range s.Records() {
			l.idx.Register(r, prevID)
			prevID = r.ID
		}
	}
	return nil
}

// #endregion load

// #region append

// Append writes one record: it resolves (or opens) the current segment,
// chains and seals the record, persists the StepAppended event, and only
// then registers the record in the index and returns it. The durable write
// happens before the return, never after.
func (l *Ledger) Append(inputDigest string, st state.Vector, dec record.Decision) (record.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(inputDigest, st, dec)
}

func (l *Ledger) appendLocked(inputDigest string, st state.Vector, dec record.Decision) (record.Record, error) {
	seg, err := l.currentOrOpenLocked()
	if err != nil {
		return record.Record{}, err
	}

	ts, prevHash, err := seg.NextLink(l.now())
	if err != nil {
		return record.Record{}, fmt.Errorf("ledger append: %w", err)
	}
	prevID := ""
	if last := seg.Last(); last != nil {
		prevID = last.ID
	}

	rec := record.New(ts, inputDigest, st, dec, prevHash)
	ev := journal.Event{Kind: journal.KindStepAppended, SegmentID: seg.ID, Record: &rec}
	if err := l.w.Append(ev); err != nil {
		return record.Record{}, fmt.Errorf("ledger append: %w", err)
	}

	if err := seg.Adopt(rec); err != nil {
		// Unreachable: NextLink above already proved the segment open.
		return record.Record{}, fmt.Errorf("ledger append: %w", err)
	}
	l.idx.Register(rec, prevID)
	return rec, nil
}

// currentOrOpenLocked returns the open segment, opening and persisting a
// new one when the ledger is empty or the last segment is closed.
func (l *Ledger) currentOrOpenLocked() (*segment.Segment, error) {
	if n := len(l.segments); n > 0 && l.segments[n-1].Status == segment.StatusOpen {
		return l.segments[n-1], nil
	}

	seg := segment.New(l.now())
	ev := journal.Event{Kind: journal.KindSegmentOpen, SegmentID: seg.ID, CreatedAt: &seg.CreatedAt}
	if err := l.w.Append(ev); err != nil {
		return nil, fmt.Errorf("ledger open segment: %w", err)
	}
	l.segments = append(l.segments, seg)
	return seg, nil
}

// #endregion append

// #region close-segment

// CloseCurrentSegment seals the open segment, persists the close event,
// mirrors the segment to the archive when one is configured, and returns
// it. Returns nil when no segment is open, so calling it twice in a row is
// harmless.
func (l *Ledger) CloseCurrentSegment(summary string) (*segment.Segment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.segments)
	if n == 0 || l.segments[n-1].Status == segment.StatusClosed {
		return nil, nil
	}
	seg := l.segments[n-1]
	seg.Summary = summary
	seg.Close(l.now())

	ev := journal.Event{
		Kind:          journal.KindSegmentClosed,
		SegmentID:     seg.ID,
		ClosedAt:      seg.ClosedAt,
		AggregateHash: seg.AggregateHash,
		Summary:       summary,
	}
	if err := l.w.Append(ev); err != nil {
		return nil, fmt.Errorf("ledger close segment: %w", err)
	}

	if l.cfg.Archive != nil {
		if err := l.cfg.Archive.StoreSegment(seg); err != nil {
			// The archive is derived data; never fail the close over it.
			l.log.Warn("archive mirror failed", "segment", seg.ID, "err", err)
		}
	}
	return seg, nil
}

// #endregion close-segment

// #region rollback

// Rollback appends a record marking a reset to the most recent record: a
// neutral state vector and a rollback decision targeting that record's
// hash. Fails with ErrEmptyLedger when nothing has been recorded yet.
func (l *Ledger) Rollback() (record.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	latest := l.latestLocked()
	if latest == nil {
		return record.Record{}, ErrEmptyLedger
	}
	return l.appendLocked("rollback", state.Neutral(), record.RollbackTo(latest.Hash))
}

// #endregion rollback

// #region queries

// QuerySimilar returns up to k records whose state vector is nearest to st
// by Euclidean distance, nearest first. exclude, when non-empty, omits
// that record id. An empty result is a value, not an error.
func (l *Ledger) QuerySimilar(st state.Vector, k int, exclude string) []record.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matches := l.idx.KNearest(st, k, exclude)
	out := make([]record.Record, 0, len(matches))
	for _, m := range matches {
		if r, ok := l.idx.Get(m.RecordID); ok {
			out = append(out, r)
		}
	}
	return out
}

// Latest returns the most recent record across all segments, or nil.
func (l *Ledger) Latest() *record.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latestLocked()
}

func (l *Ledger) latestLocked() *record.Record {
	for i := len(l.segments) - 1; i >= 0; i-- {
		if r := l.segments[i].Last(); r != nil {
			return r
		}
	}
	return nil
}

// Segments returns the reconstructed segments in creation order.
func (l *Ledger) Segments() []*segment.Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*segment.Segment, len(l.segments))
	copy(out, l.segments)
	return out
}

// Stats summarizes ledger size for hosts.
type Stats struct {
	Segments      int
	Records       int
	OpenSegmentID string
}

// Stats reports segment and record counts plus the open segment id, if
// any.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := Stats{Segments: len(l.segments)}
	for _, s := range l.segments {
		st.Records += s.Len()
	}
	if n := len(l.segments); n > 0 && l.segments[n-1].Status == segment.StatusOpen {
		st.OpenSegmentID = l.segments[n-1].ID
	}
	return st
}

// #endregion queries

// #region compact

// Compact rewrites the journal as the canonical event stream of the
// current in-memory state, dropping torn or skipped lines. History is
// preserved in full; compaction only normalizes the file.
func (l *Ledger) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var events []journal.Event
	for _, s := range l.segments {
		created := s.CreatedAt
		events = append(events, journal.Event{Kind: journal.KindSegmentOpen, SegmentID: s.ID, CreatedAt: &created})
		for _, r := range s.Records() {
			rec := r
			events = append(events, journal.Event{Kind: journal.KindStepAppended, SegmentID: s.ID, Record: &rec})
		}
		if s.Status == segment.StatusClosed {
			events = append(events, journal.Event{
				Kind:          journal.KindSegmentClosed,
				SegmentID:     s.ID,
				ClosedAt:      s.ClosedAt,
				AggregateHash: s.AggregateHash,
				Summary:       s.Summary,
			})
		}
	}

	// The writer's descriptor points at the old inode once the rewrite
	// renames over the path, so cycle it around the rewrite.
	if err := l.w.Close(); err != nil {
		return fmt.Errorf("ledger compact: %w", err)
	}
	if err := journal.Rewrite(l.cfg.Path, events); err != nil {
		return fmt.Errorf("ledger compact: %w", err)
	}
	w, err := journal.Open(l.cfg.Path)
	if err != nil {
		return fmt.Errorf("ledger compact reopen: %w", err)
	}
	l.w = w
	return nil
}

// #endregion compact
