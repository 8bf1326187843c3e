// Command inspect loads a chronicle journal, verifies every chain, and
// prints segments and records. With --db it also queries the SQLite
// archive mirror.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/danielpatrickdp/chronicle/internal/archive"
	"github.com/danielpatrickdp/chronicle/internal/ledger"
	"github.com/danielpatrickdp/chronicle/internal/record"
	"github.com/danielpatrickdp/chronicle/internal/segment"
)

// #region main

func main() {
	journalPath := flag.String("journal", "", "path to chronicle.journal")
	dbPath := flag.String("db", "", "optional path to the archive database")
	segID := flag.String("segment", "", "show records of a single segment")
	decision := flag.String("decision", "", "query archive records by decision kind (requires --db)")
	lenient := flag.Bool("lenient", false, "load in lenient mode, skipping corrupt segments")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	// Archive queries stand alone: no journal load, so they work even
	// when only the archive database is at hand.
	if *decision != "" {
		if *dbPath == "" {
			fmt.Fprintln(os.Stderr, "--decision requires --db")
			os.Exit(2)
		}
		if err := runDecisionMode(*dbPath, *decision, *jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *journalPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --journal path/to/chronicle.journal [--segment id] [--lenient] [--json]\n       inspect --db archive.db --decision kind [--json]")
		os.Exit(2)
	}

	mode := ledger.ModeStrict
	var logger *slog.Logger
	if *lenient {
		mode = ledger.ModeLenient
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	l, err := ledger.Open(ledger.Config{Path: *journalPath, Mode: mode, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()

	if *segID != "" {
		err = runSegmentMode(l, *segID, *jsonOut)
	} else {
		err = runListMode(l, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type segmentRow struct {
	ID            string `json:"segment_id"`
	Status        string `json:"status"`
	Records       int    `json:"records"`
	CreatedAt     string `json:"created_at"`
	ClosedAt      string `json:"closed_at,omitempty"`
	AggregateHash string `json:"aggregate_hash,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

func runListMode(l *ledger.Ledger, jsonOut bool) error {
	segs := l.Segments()
	if len(segs) == 0 {
		fmt.Fprintln(os.Stderr, "journal is empty")
		return nil
	}

	rows := make([]segmentRow, len(segs))
	for i, s := range segs {
		row := segmentRow{
			ID:            s.ID,
			Status:        string(s.Status),
			Records:       s.Len(),
			CreatedAt:     s.CreatedAt.Format("2006-01-02T15:04:05Z"),
			AggregateHash: s.AggregateHash,
			Summary:       s.Summary,
		}
		if s.ClosedAt != nil {
			row.ClosedAt = s.ClosedAt.Format("2006-01-02T15:04:05Z")
		}
		rows[i] = row
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-36s  %-6s  %7s  %-20s  %s\n", "SEGMENT", "STATUS", "RECORDS", "CREATED", "SUMMARY")
	for _, r := range rows {
		fmt.Printf("%-36s  %-6s  %7d  %-20s  %s\n", r.ID, r.Status, r.Records, r.CreatedAt, r.Summary)
	}
	st := l.Stats()
	fmt.Printf("\n%d segments, %d records, all chains verified\n", st.Segments, st.Records)
	return nil
}

// #endregion list-mode

// #region segment-mode

func runSegmentMode(l *ledger.Ledger, segID string, jsonOut bool) error {
	var target *segment.Segment
	for _, s := range l.Segments() {
		if s.ID == segID {
			target = s
			break
		}
	}
	if target == nil {
		return fmt.Errorf("segment %s not found", segID)
	}

	recs := target.Records()
	if jsonOut {
		return printJSON(recs)
	}
	for i, r := range recs {
		fmt.Printf("[%d] %s  %s\n", i, r.CreatedAt.Format("2006-01-02T15:04:05Z"), r.ID)
		fmt.Printf("    digest   %s\n", r.InputDigest)
		fmt.Printf("    state    tension=%.3f drift=%.3f risk=%.3f composite=%.3f\n",
			r.State.Tension, r.State.Drift, r.State.Risk, r.State.Composite())
		fmt.Printf("    decision %s", r.Decision.Kind)
		if r.Decision.Reason != "" {
			fmt.Printf(" (%s)", r.Decision.Reason)
		}
		if r.Decision.TargetHash != "" {
			fmt.Printf(" -> %.12s", r.Decision.TargetHash)
		}
		fmt.Printf("\n    hash     %.12s  prev %.12s\n", r.Hash, r.PrevHash)
	}
	return nil
}

// #endregion segment-mode

// #region decision-mode

func runDecisionMode(dbPath, kind string, jsonOut bool) error {
	dk := record.DecisionKind(kind)
	if !dk.Valid() {
		return fmt.Errorf("unknown decision kind %q", kind)
	}
	ar, err := archive.Open(dbPath)
	if err != nil {
		return err
	}
	defer ar.Close()

	recs, err := ar.RecordsByDecision(dk)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(recs)
	}
	for _, r := range recs {
		fmt.Printf("%s  %-11s  %.12s  %s\n",
			r.CreatedAt.Format("2006-01-02T15:04:05Z"), r.Decision.Kind, r.Hash, r.InputDigest)
	}
	fmt.Fprintf(os.Stderr, "%d records\n", len(recs))
	return nil
}

// #endregion decision-mode

// #region helpers

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion helpers
