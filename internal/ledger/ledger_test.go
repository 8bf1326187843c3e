package ledger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielpatrickdp/chronicle/internal/archive"
	"github.com/danielpatrickdp/chronicle/internal/journal"
	"github.com/danielpatrickdp/chronicle/internal/record"
	"github.com/danielpatrickdp/chronicle/internal/segment"
	"github.com/danielpatrickdp/chronicle/internal/state"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tempLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronicle.journal")
	l, err := Open(Config{Path: path, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func mustAppend(t *testing.T, l *Ledger, digest string, v state.Vector) record.Record {
	t.Helper()
	r, err := l.Append(digest, v, record.Allow())
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return r
}

func journalLineCount(t *testing.T, path string) int {
	t.Helper()
	lines, err := journal.ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return len(lines)
}

func TestAppendOpensSegmentAndChains(t *testing.T) {
	l, path := tempLedger(t)

	r1 := mustAppend(t, l, "one", state.New(0.1, 0.1, 0.1))
	r2 := mustAppend(t, l, "two", state.New(0.2, 0.2, 0.2))

	if r1.PrevHash != record.ZeroHash {
		t.Fatal("first record should chain from zero sentinel")
	}
	if r2.PrevHash != r1.Hash {
		t.Fatal("second record should chain from first")
	}

	// SegmentOpen + two StepAppended events, durably written before return.
	if n := journalLineCount(t, path); n != 3 {
		t.Fatalf("expected 3 journal lines, got %d", n)
	}

	st := l.Stats()
	if st.Segments != 1 || st.Records != 2 || st.OpenSegmentID == "" {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestCloseCurrentSegmentIdempotent(t *testing.T) {
	l, path := tempLedger(t)
	mustAppend(t, l, "one", state.New(0.1, 0.1, 0.1))

	seg, err := l.CloseCurrentSegment("done")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if seg == nil || seg.Status != segment.StatusClosed || seg.AggregateHash == "" {
		t.Fatalf("unexpected closed segment %+v", seg)
	}
	if seg.Summary != "done" {
		t.Fatalf("summary not carried, got %q", seg.Summary)
	}
	before := journalLineCount(t, path)

	again, err := l.CloseCurrentSegment("")
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if again != nil {
		t.Fatal("second close should return nil")
	}
	if n := journalLineCount(t, path); n != before {
		t.Fatalf("second close persisted an event: %d -> %d lines", before, n)
	}
}

func TestAppendAfterCloseOpensNewSegment(t *testing.T) {
	l, _ := tempLedger(t)
	mustAppend(t, l, "one", state.New(0.1, 0.1, 0.1))
	if _, err := l.CloseCurrentSegment(""); err != nil {
		t.Fatalf("close: %v", err)
	}

	r := mustAppend(t, l, "two", state.New(0.2, 0.2, 0.2))
	if r.PrevHash != record.ZeroHash {
		t.Fatal("record in a fresh segment should chain from zero sentinel")
	}
	if st := l.Stats(); st.Segments != 2 {
		t.Fatalf("expected 2 segments, got %d", st.Segments)
	}
}

func TestRollbackEmpty(t *testing.T) {
	l, _ := tempLedger(t)
	if _, err := l.Rollback(); !errors.Is(err, ErrEmptyLedger) {
		t.Fatalf("expected ErrEmptyLedger, got %v", err)
	}
}

func TestRollbackTargetsLatest(t *testing.T) {
	l, _ := tempLedger(t)
	r1 := mustAppend(t, l, "one", state.New(0.7, 0.2, 0.9))

	rb, err := l.Rollback()
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rb.Decision.Kind != record.KindRollback {
		t.Fatalf("expected rollback decision, got %q", rb.Decision.Kind)
	}
	if rb.Decision.TargetHash != r1.Hash {
		t.Fatal("rollback must target the latest record's hash")
	}
	if rb.State != state.Neutral() {
		t.Fatalf("rollback state should be neutral, got %+v", rb.State)
	}
	if got := l.Latest(); got == nil || got.ID != rb.ID {
		t.Fatal("rollback record should become the latest")
	}
}

func TestQuerySimilarScenario(t *testing.T) {
	l, _ := tempLedger(t)
	r1 := mustAppend(t, l, "one", state.New(0.1, 0.1, 0.1))
	r2 := mustAppend(t, l, "two", state.New(0.9, 0.1, 0.1))
	r3 := mustAppend(t, l, "three", state.New(0.05, 0.05, 0.05))
	_ = r3

	got := l.QuerySimilar(state.New(1.0, 0.0, 0.0), 2, "")
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].ID != r2.ID {
		t.Fatal("nearest record should be the (0.9,0.1,0.1) one")
	}
	// r1 edges out r3 for the second slot; on an exact tie insertion
	// order would put it first anyway.
	if got[1].ID != r1.ID {
		t.Fatal("expected the first record in the second slot")
	}
}

func TestQuerySimilarEmpty(t *testing.T) {
	l, _ := tempLedger(t)
	if got := l.QuerySimilar(state.New(0.5, 0.5, 0.5), 3, ""); len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronicle.journal")

	l, err := Open(Config{Path: path, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a1 := mustAppend(t, l, "a1", state.New(0.1, 0.2, 0.3))
	a2 := mustAppend(t, l, "a2", state.New(0.4, 0.5, 0.6))
	segA, err := l.CloseCurrentSegment("segment A")
	if err != nil {
		t.Fatalf("close A: %v", err)
	}
	b1 := mustAppend(t, l, "b1", state.New(0.7, 0.8, 0.9))
	l.Close()

	reloaded, err := Open(Config{Path: path, Mode: ModeStrict, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer reloaded.Close()

	segs := reloaded.Segments()
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[0].Len() != 2 || segs[1].Len() != 1 {
		t.Fatalf("expected 2 and 1 records, got %d and %d", segs[0].Len(), segs[1].Len())
	}
	if segs[0].Status != segment.StatusClosed || segs[0].AggregateHash != segA.AggregateHash {
		t.Fatal("segment A should reload closed with the same aggregate hash")
	}
	if segs[0].Summary != "segment A" {
		t.Fatalf("summary lost on reload: %q", segs[0].Summary)
	}
	if segs[1].Status != segment.StatusOpen || segs[1].AggregateHash != "" {
		t.Fatal("segment B should reload open without aggregate hash")
	}

	recs := segs[0].Records()
	if recs[0].Hash != a1.Hash || recs[1].Hash != a2.Hash {
		t.Fatal("segment A records did not round-trip hash-identical")
	}
	if got := reloaded.Latest(); got == nil || got.Hash != b1.Hash {
		t.Fatal("latest record did not survive reload")
	}

	// Appends continue the reloaded open chain.
	b2 := mustAppend(t, reloaded, "b2", state.New(0.1, 0.1, 0.1))
	if b2.PrevHash != b1.Hash {
		t.Fatal("post-reload append must chain from the reloaded tail")
	}
}

func TestStrictLoadFailsOnTamper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronicle.journal")
	l, err := Open(Config{Path: path, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustAppend(t, l, "secret", state.New(0.1, 0.1, 0.1))
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	tampered := strings.Replace(string(data), "secret", "forged", 1)
	if tampered == string(data) {
		t.Fatal("tamper did not change the file")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatalf("write tampered journal: %v", err)
	}

	_, err = Open(Config{Path: path, Mode: ModeStrict, Logger: quietLogger()})
	var ie *segment.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}

	// Lenient mode loads, dropping the corrupt segment.
	lenient, err := Open(Config{Path: path, Mode: ModeLenient, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("lenient open: %v", err)
	}
	defer lenient.Close()
	if st := lenient.Stats(); st.Segments != 0 || st.Records != 0 {
		t.Fatalf("lenient load should drop the corrupt segment, got %+v", st)
	}
}

func TestLenientLoadSkipsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronicle.journal")
	l, err := Open(Config{Path: path, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r1 := mustAppend(t, l, "one", state.New(0.1, 0.1, 0.1))
	l.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.WriteString(`{"kind":"StepAppended","seg`); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	f.Close()

	// Strict refuses.
	if _, err := Open(Config{Path: path, Mode: ModeStrict, Logger: quietLogger()}); err == nil {
		t.Fatal("strict load should fail on a torn tail")
	}

	// Lenient keeps the intact prefix.
	lenient, err := Open(Config{Path: path, Mode: ModeLenient, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("lenient open: %v", err)
	}
	defer lenient.Close()
	if got := lenient.Latest(); got == nil || got.Hash != r1.Hash {
		t.Fatal("lenient load lost the intact prefix")
	}
}

func TestReloadAfterNewlinelessTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronicle.journal")
	l, err := Open(Config{Path: path, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustAppend(t, l, "one", state.New(0.1, 0.1, 0.1))
	r2 := mustAppend(t, l, "two", state.New(0.2, 0.2, 0.2))
	l.Close()

	// Crash variant: the final event is durable but its trailing newline
	// is not.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-1); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	// The acknowledged tail event must load, and appending must not
	// corrupt it.
	reopened, err := Open(Config{Path: path, Mode: ModeStrict, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("reload after cut newline: %v", err)
	}
	r3 := mustAppend(t, reopened, "three", state.New(0.3, 0.3, 0.3))
	if r3.PrevHash != r2.Hash {
		t.Fatal("append after repair must chain from the acknowledged tail")
	}
	reopened.Close()

	final, err := Open(Config{Path: path, Mode: ModeStrict, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("second strict reload: %v", err)
	}
	defer final.Close()
	if st := final.Stats(); st.Segments != 1 || st.Records != 3 {
		t.Fatalf("history corrupted after repair cycle: %+v", st)
	}
}

func TestCompactPreservesState(t *testing.T) {
	l, path := tempLedger(t)
	mustAppend(t, l, "one", state.New(0.1, 0.1, 0.1))
	if _, err := l.CloseCurrentSegment("first"); err != nil {
		t.Fatalf("close: %v", err)
	}
	r2 := mustAppend(t, l, "two", state.New(0.2, 0.2, 0.2))

	if err := l.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	// Ledger remains usable after compaction.
	r3 := mustAppend(t, l, "three", state.New(0.3, 0.3, 0.3))
	if r3.PrevHash != r2.Hash {
		t.Fatal("append after compact must keep chaining")
	}
	l.Close()

	reloaded, err := Open(Config{Path: path, Mode: ModeStrict, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("reload after compact: %v", err)
	}
	defer reloaded.Close()
	if st := reloaded.Stats(); st.Segments != 2 || st.Records != 3 {
		t.Fatalf("unexpected stats after compact reload %+v", st)
	}
}

func TestArchiveMirrorOnClose(t *testing.T) {
	dir := t.TempDir()
	ar, err := archive.Open(filepath.Join(dir, "archive.db"))
	if err != nil {
		t.Fatalf("archive open: %v", err)
	}
	defer ar.Close()

	l, err := Open(Config{
		Path:    filepath.Join(dir, "chronicle.journal"),
		Logger:  quietLogger(),
		Archive: ar,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	r1 := mustAppend(t, l, "one", state.New(0.3, 0.3, 0.3))
	seg, err := l.CloseCurrentSegment("mirrored")
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	rows, err := ar.Segments()
	if err != nil {
		t.Fatalf("archive segments: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != seg.ID || rows[0].RecordCount != 1 {
		t.Fatalf("unexpected archive rows %+v", rows)
	}
	recs, err := ar.RecordsBySegment(seg.ID)
	if err != nil {
		t.Fatalf("archive records: %v", err)
	}
	if len(recs) != 1 || recs[0].Hash != r1.Hash {
		t.Fatal("archived record hash diverges from ledger record")
	}
}

func TestOpenRejectsUnknownMode(t *testing.T) {
	_, err := Open(Config{Path: filepath.Join(t.TempDir(), "j"), Mode: "relaxed"})
	if err == nil {
		t.Fatal("unknown mode should be rejected")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("missing path should be rejected")
	}
}
