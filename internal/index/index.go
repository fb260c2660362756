// Package index implements the ANN index strategies of spec.md §4.4:
// Flat (exact), HNSW (primary), and simplified-but-real PQ, IVF, and LSH
// variants. Every strategy is pure Go — the teacher's FAISS/CGo bindings
// are replaced entirely, since spec.md §8's testable properties (exact
// recall-vs-Flat bounds, round-trip serialize/deserialize laws) need
// index internals a CGo boundary can't expose. The Index interface shape
// (option-style queries, label-oriented insert/search) is kept from
// kungtalon-vecdb-go/internal/index/{index,option}.go.
package index

import (
	"errors"
	"fmt"

	"vexfs/internal/common"
	"vexfs/internal/filter"
)

// ErrBuildCanceled is returned by InsertWithCancel when the caller's done
// channel closes before graph construction finishes.
var ErrBuildCanceled = errors.New("index: build canceled")

// BuildCanceler is implemented by strategies whose Insert does enough
// construction-time work (HNSW's greedy descent and per-layer beam
// search) to need mid-build cancellation checks. Callers that hold a
// Kind Build watchdog type-assert for this before inserting, so a slow
// build can unwind at a layer boundary instead of running past its
// deadline.
type BuildCanceler interface {
	InsertWithCancel(id uint64, vector []float32, done <-chan struct{}) error
}

// SearchOptions configures one Search call. EFSearch is consulted only by
// HNSW; other strategies ignore it.
type SearchOptions struct {
	EFSearch int
	Filter   *filter.IDFilter
}

// SearchResult is one query's ranked output: ascending distance, ties
// broken by ascending vector id (spec.md §4.4).
type SearchResult struct {
	IDs       []uint64
	Distances []float32
}

// Index is the common strategy surface every ANN implementation in this
// package satisfies. Serialize/Deserialize cover just this index's
// internal state — framing, CRC, and the snapshot header live one layer
// up, in package snapshot.
type Index interface {
	Insert(id uint64, vector []float32) error
	Delete(id uint64) error
	Search(query []float32, k int, opts SearchOptions) (SearchResult, error)
	Len() int
	StrategyType() common.IndexType
	Serialize() ([]byte, error)
	Deserialize(data []byte) error
	// Ids returns every id currently held, in no particular order. Used
	// by the storage<->index reconciliation pass to find index entries
	// with no backing storage record.
	Ids() []uint64
}

// New constructs an Index for the given collection configuration.
func New(cfg common.CollectionConfig) (Index, error) {
	distFn := cfg.Distance.Resolve()
	switch cfg.IndexType {
	case common.IndexTypeFlat, "":
		return NewFlat(cfg.Dim, cfg.Distance, distFn), nil
	case common.IndexTypeHNSW:
		hnsw := cfg.HNSW
		if hnsw == nil {
			d := common.DefaultHNSWConfig()
			hnsw = &d
		}
		return NewHNSW(cfg.Dim, cfg.Distance, distFn, *hnsw), nil
	case common.IndexTypePQ:
		pq := cfg.PQ
		if pq == nil {
			return nil, fmt.Errorf("index: PQ strategy requires a PQConfig")
		}
		return NewPQ(cfg.Dim, cfg.Distance, distFn, *pq)
	case common.IndexTypeIVF:
		ivf := cfg.IVF
		if ivf == nil {
			return nil, fmt.Errorf("index: IVF strategy requires an IVFConfig")
		}
		return NewIVF(cfg.Dim, cfg.Distance, distFn, *ivf), nil
	case common.IndexTypeLSH:
		lsh := cfg.LSH
		if lsh == nil {
			return nil, fmt.Errorf("index: LSH strategy requires an LSHConfig")
		}
		return NewLSH(cfg.Dim, cfg.Distance, distFn, *lsh), nil
	default:
		return nil, fmt.Errorf("index: unsupported strategy %q", cfg.IndexType)
	}
}
