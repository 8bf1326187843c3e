// Package journal persists ledger mutations as an append-only stream of
// framed JSON events, one per line. The journal file is the sole source of
// truth; everything else is rebuilt from it by replay.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danielpatrickdp/chronicle/internal/record"
)

// #region events

// Kind tags a journal event.
type Kind string

const (
	KindSegmentOpen   Kind = "SegmentOpen"
	KindStepAppended  Kind = "StepAppended"
	KindSegmentClosed Kind = "SegmentClosed"
)

// Event is one framed journal entry. Field presence depends on Kind:
// SegmentOpen carries CreatedAt, StepAppended carries Record, SegmentClosed
// carries ClosedAt, AggregateHash and optionally Summary.
type Event struct {
	Kind          Kind           `json:"kind"`
	SegmentID     string         `json:"segment_id"`
	CreatedAt     *time.Time     `json:"created_at,omitempty"`
	Record        *record.Record `json:"record,omitempty"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
	AggregateHash string         `json:"aggregate_hash,omitempty"`
	Summary       string         `json:"summary,omitempty"`
}

// Validate checks the per-kind field shape before an event is written or
// accepted from disk.
func (e Event) Validate() error {
	if e.SegmentID == "" {
		return fmt.Errorf("event missing segment_id")
	}
	switch e.Kind {
	case KindSegmentOpen:
		if e.CreatedAt == nil {
			return fmt.Errorf("SegmentOpen missing created_at")
		}
	case KindStepAppended:
		if e.Record == nil {
			return fmt.Errorf("StepAppended missing record")
		}
		if !e.Record.State.Clamped() {
			return fmt.Errorf("StepAppended record state out of bounds")
		}
	case KindSegmentClosed:
		if e.ClosedAt == nil {
			return fmt.Errorf("SegmentClosed missing closed_at")
		}
		if e.AggregateHash == "" {
			return fmt.Errorf("SegmentClosed missing aggregate_hash")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// #endregion events

// #region writer

// Writer appends events to a journal file, fsyncing after every write so a
// returned Append implies durability.
type Writer struct {
	path string
	f    *os.File
}

// Open creates the journal file (and parent directory) if needed and
// positions for appending. An existing file whose final byte is not a
// newline gets one written first: a crash can durably land a complete
// event without its terminator, and appending onto that line would weld
// two events together and corrupt acknowledged history.
func Open(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal mkdir: %w", err)
		}
	}
	if err := repairTail(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	return &Writer{path: path, f: f}, nil
}

// repairTail terminates an unterminated final line so the next append
// starts on a fresh one. A torn partial line stays torn (and keeps
// failing decode); a complete event merely missing its newline becomes a
// normal line.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal open: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("journal stat: %w", err)
	}
	if st.Size() == 0 {
		return nil
	}
	tail := make([]byte, 1)
	if _, err := f.ReadAt(tail, st.Size()-1); err != nil {
		return fmt.Errorf("journal read tail: %w", err)
	}
	if tail[0] == '\n' {
		return nil
	}
	if _, err := f.WriteAt([]byte{'\n'}, st.Size()); err != nil {
		return fmt.Errorf("journal repair tail: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("journal repair sync: %w", err)
	}
	return nil
}

// Append frames one event onto the journal and syncs it to disk.
func (w *Writer) Append(e Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal encode: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("journal sync: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Path returns the journal file location.
func (w *Writer) Path() string {
	return w.path
}

// #endregion writer

// #region reader

// Line is one decoded journal line. Err is non-nil when the line could not
// be decoded or validated; Torn marks the special case of a final line with
// no trailing newline, i.e. a crash-interrupted append that was never
// acknowledged.
type Line struct {
	Num   int
	Event Event
	Err   error
	Torn  bool
}

// ReadAll decodes every line of the journal in file order. I/O failures are
// returned as an error; per-line decode failures are reported in the Line
// so the caller can apply its strict or lenient policy. A missing file
// yields an empty journal, not an error.
func ReadAll(path string) ([]Line, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal read: %w", err)
	}

	terminated := len(data) > 0 && data[len(data)-1] == '\n'
	rows := bytes.Split(data, []byte{'\n'})
	// Split leaves a trailing empty chunk after the final newline.
	if terminated {
		rows = rows[:len(rows)-1]
	}

	lines := make([]Line, 0, len(rows))
	for i, raw := range rows {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		ln := Line{Num: i + 1}
		if err := json.Unmarshal(raw, &ln.Event); err != nil {
			ln.Err = fmt.Errorf("journal line %d: %w", ln.Num, err)
			ln.Torn = !terminated && i == len(rows)-1
		} else if err := ln.Event.Validate(); err != nil {
			ln.Err = fmt.Errorf("journal line %d: %w", ln.Num, err)
		}
		lines = append(lines, ln)
	}
	return lines, nil
}

// #endregion reader

// #region rewrite

// Rewrite replaces the journal with a canonical re-encoding of events,
// writing to a temp file in the same directory and renaming over the
// original so a crash mid-rewrite never corrupts the previous state.
func Rewrite(path string, events []Event) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("journal mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".journal-*")
	if err != nil {
		return fmt.Errorf("journal temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	for _, e := range events {
		if err := e.Validate(); err != nil {
			cleanup()
			return fmt.Errorf("journal rewrite: %w", err)
		}
		line, err := json.Marshal(e)
		if err != nil {
			cleanup()
			return fmt.Errorf("journal rewrite encode: %w", err)
		}
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			cleanup()
			return fmt.Errorf("journal rewrite write: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("journal rewrite sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("journal rewrite close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("journal rewrite rename: %w", err)
	}
	return nil
}

// #endregion rewrite
