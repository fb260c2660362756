package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"vexfs/internal/common"
)

// Flat is the exact, brute-force strategy: every Search scans every
// stored vector. It is also the fallback the storage/index bridge falls
// back to when a fancier strategy's Insert fails (spec.md §4.6), so its
// Insert/Search/Serialize must never themselves depend on any other
// strategy succeeding.
type Flat struct {
	dim      int
	distance common.Distance
	distFn   common.DistanceFunc

	mu      sync.RWMutex
	vectors map[uint64][]float32
}

// NewFlat constructs an empty Flat index.
func NewFlat(dim int, distance common.Distance, distFn common.DistanceFunc) *Flat {
	return &Flat{
		dim:      dim,
		distance: distance,
		distFn:   distFn,
		vectors:  make(map[uint64][]float32),
	}
}

func (f *Flat) StrategyType() common.IndexType { return common.IndexTypeFlat }

func (f *Flat) Insert(id uint64, vector []float32) error {
	if len(vector) != f.dim {
		return fmt.Errorf("flat: dimension mismatch: got %d want %d", len(vector), f.dim)
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)

	f.mu.Lock()
	f.vectors[id] = cp
	f.mu.Unlock()
	return nil
}

func (f *Flat) Delete(id uint64) error {
	f.mu.Lock()
	delete(f.vectors, id)
	f.mu.Unlock()
	return nil
}

func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

func (f *Flat) Ids() []uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]uint64, 0, len(f.vectors))
	for id := range f.vectors {
		ids = append(ids, id)
	}
	return ids
}

type scored struct {
	id   uint64
	dist float32
}

func (f *Flat) Search(query []float32, k int, opts SearchOptions) (SearchResult, error) {
	if len(query) != f.dim {
		return SearchResult{}, fmt.Errorf("flat: query dimension mismatch: got %d want %d", len(query), f.dim)
	}
	if k <= 0 {
		return SearchResult{}, nil
	}

	f.mu.RLock()
	candidates := make([]scored, 0, len(f.vectors))
	for id, vec := range f.vectors {
		if !opts.Filter.Allows(id) {
			continue
		}
		candidates = append(candidates, scored{id: id, dist: f.distFn(query, vec)})
	}
	f.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].id < candidates[j].id
	})

	if k > len(candidates) {
		k = len(candidates)
	}

	result := SearchResult{IDs: make([]uint64, k), Distances: make([]float32, k)}
	for i := 0; i < k; i++ {
		result.IDs[i] = candidates[i].id
		result.Distances[i] = candidates[i].dist
	}
	return result, nil
}

// Serialize writes every (id, vector) pair as: u32 count, then per-entry
// u64 id, u32 dim, dim*f32 — the simplest possible faithful encoding,
// since Flat's whole state IS its vector set.
func (f *Flat) Serialize() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(f.vectors))); err != nil {
		return nil, err
	}
	for id, vec := range f.vectors {
		if err := binary.Write(&buf, binary.BigEndian, id); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(vec))); err != nil {
			return nil, err
		}
		for _, v := range vec {
			if err := binary.Write(&buf, binary.BigEndian, math.Float32bits(v)); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

func (f *Flat) Deserialize(data []byte) error {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("flat: read count: %w", err)
	}

	vectors := make(map[uint64][]float32, count)
	for i := uint32(0); i < count; i++ {
		var id uint64
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return fmt.Errorf("flat: read id %d: %w", i, err)
		}
		var dim uint32
		if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
			return fmt.Errorf("flat: read dim for id %d: %w", id, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			var bits uint32
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return fmt.Errorf("flat: read vector component for id %d: %w", id, err)
			}
			vec[j] = math.Float32frombits(bits)
		}
		vectors[id] = vec
	}

	f.mu.Lock()
	f.vectors = vectors
	f.mu.Unlock()
	return nil
}
