// Package index maintains the in-memory similarity index over ledger
// records. It is purely derived state: the journal is the source of truth
// and the index is rebuilt from it on every load.
package index

import (
	"sort"

	"github.com/danielpatrickdp/chronicle/internal/record"
	"github.com/danielpatrickdp/chronicle/internal/state"
)

// #region types

// EdgeNext labels the chain-order adjacency between consecutive records of
// a segment.
const EdgeNext = "NEXT"

// Edge links one record to another within the index.
type Edge struct {
	TargetID string
	Type     string
}

// Match is one k-nearest-neighbor result.
type Match struct {
	RecordID string
	Distance float64
}

// entry pins a record together with its insertion rank, which breaks exact
// distance ties deterministically.
type entry struct {
	rec  record.Record
	rank int
}

// #endregion types

// #region index

// Index maps record ids to records and chain-order adjacency. Not
// goroutine-safe on its own; the ledger serializes access.
type Index struct {
	entries map[string]entry
	order   []string
	edges   map[string][]Edge
}

// New returns an empty index.
func New() *Index {
	return &Index{
		entries: make(map[string]entry),
		edges:   make(map[string][]Edge),
	}
}

// Register inserts a record. prevID, when non-empty, is the id of the
// preceding record in the same segment and receives a NEXT edge to rec.
func (ix *Index) Register(rec record.Record, prevID string) {
	if _, ok := ix.entries[rec.ID]; ok {
		return
	}
	ix.entries[rec.ID] = entry{rec: rec, rank: len(ix.order)}
	ix.order = append(ix.order, rec.ID)
	if prevID != "" {
		ix.edges[prevID] = append(ix.edges[prevID], Edge{TargetID: rec.ID, Type: EdgeNext})
	}
}

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	return len(ix.order)
}

// Get resolves a record by id.
func (ix *Index) Get(id string) (record.Record, bool) {
	e, ok := ix.entries[id]
	return e.rec, ok
}

// Next returns the ids reachable from id over NEXT edges, in insertion
// order. Normally zero or one; segment boundaries have none.
func (ix *Index) Next(id string) []string {
	edges := ix.edges[id]
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		if e.Type == EdgeNext {
			out = append(out, e.TargetID)
		}
	}
	return out
}

// #endregion index

// #region knn

// KNearest scans every indexed record and returns the k closest to query
// by Euclidean distance, ascending. Exact ties rank earlier-inserted
// records first. exclude, when non-empty, drops that record id from
// consideration. An empty index or k <= 0 yields an empty result.
//
// This is a brute-force O(n) scan, which is fine at single-conversation
// scale. A spatial index can replace it behind the same contract if the
// record count ever warrants it.
func (ix *Index) KNearest(query state.Vector, k int, exclude string) []Match {
	if k <= 0 || len(ix.order) == 0 {
		return nil
	}

	type scored struct {
		Match
		rank int
	}
	candidates := make([]scored, 0, len(ix.order))
	for _, id := range ix.order {
		if id == exclude {
			continue
		}
		e := ix.entries[id]
		candidates = append(candidates, scored{
			Match: Match{RecordID: id, Distance: state.Distance(query, e.rec.State)},
			rank:  e.rank,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return candidates[i].rank < candidates[j].rank
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]Match, k)
	for i := 0; i < k; i++ {
		out[i] = candidates[i].Match
	}
	return out
}

// #endregion knn
