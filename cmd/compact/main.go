// Command compact normalizes a chronicle journal in place: it loads the
// event stream, verifies it, and rewrites it as the canonical equivalent,
// shedding torn tails and (with --lenient) corrupt segments.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/danielpatrickdp/chronicle/internal/ledger"
)

func main() {
	journalPath := flag.String("journal", "", "path to chronicle.journal")
	lenient := flag.Bool("lenient", false, "drop corrupt segments instead of aborting")
	flag.Parse()

	if *journalPath == "" {
		fmt.Fprintln(os.Stderr, "usage: compact --journal path/to/chronicle.journal [--lenient]")
		os.Exit(2)
	}

	mode := ledger.ModeStrict
	if *lenient {
		mode = ledger.ModeLenient
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	l, err := ledger.Open(ledger.Config{Path: *journalPath, Mode: mode, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()

	before := l.Stats()
	if err := l.Compact(); err != nil {
		fmt.Fprintf(os.Stderr, "compact: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("compacted %s: %d segments, %d records\n", *journalPath, before.Segments, before.Records)
}
