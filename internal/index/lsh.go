package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"vexfs/internal/common"
)

// LSH implements random-hyperplane locality-sensitive hashing (spec.md
// §4.4 optional strategies): NumTables independent hash tables, each
// built from NumHyperplanes random hyperplanes through the origin. A
// vector's hash in a table is the bit vector of which side of each
// hyperplane it falls on; vectors sharing a bucket in any table are
// search candidates, re-ranked exactly. Hyperplanes are fixed at
// construction (no training phase needed), so LSH never has Flat-only
// warm-up unlike PQ/IVF.
type LSH struct {
	dim        int
	distance   common.Distance
	distFn     common.DistanceFunc
	numTables  int
	numPlanes  int
	hyperplanes [][][]float32 // [table][plane] -> dim-length normal vector

	mu      sync.RWMutex
	vectors map[uint64][]float32
	buckets []map[uint64]map[uint64]bool // buckets[table][hashKey] -> id set
}

// NewLSH constructs an LSH index with deterministic random hyperplanes.
func NewLSH(dim int, distance common.Distance, distFn common.DistanceFunc, cfg common.LSHConfig) *LSH {
	numTables := cfg.NumTables
	if numTables <= 0 {
		numTables = 4
	}
	numPlanes := cfg.NumHyperplanes
	if numPlanes <= 0 || numPlanes > 63 {
		numPlanes = 12
	}

	rng := rand.New(rand.NewSource(0xC0FFEE))
	hyperplanes := make([][][]float32, numTables)
	buckets := make([]map[uint64]map[uint64]bool, numTables)
	for t := 0; t < numTables; t++ {
		planes := make([][]float32, numPlanes)
		for p := 0; p < numPlanes; p++ {
			plane := make([]float32, dim)
			for d := range plane {
				plane[d] = float32(rng.NormFloat64())
			}
			planes[p] = plane
		}
		hyperplanes[t] = planes
		buckets[t] = make(map[uint64]map[uint64]bool)
	}

	return &LSH{
		dim:         dim,
		distance:    distance,
		distFn:      distFn,
		numTables:   numTables,
		numPlanes:   numPlanes,
		hyperplanes: hyperplanes,
		vectors:     make(map[uint64][]float32),
		buckets:     buckets,
	}
}

func (l *LSH) StrategyType() common.IndexType { return common.IndexTypeLSH }

func (l *LSH) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.vectors)
}

func (l *LSH) Ids() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]uint64, 0, len(l.vectors))
	for id := range l.vectors {
		ids = append(ids, id)
	}
	return ids
}

func (l *LSH) hash(table int, vec []float32) uint64 {
	var key uint64
	for p, plane := range l.hyperplanes[table] {
		var dot float32
		for d, v := range plane {
			dot += v * vec[d]
		}
		if dot >= 0 {
			key |= 1 << uint(p)
		}
	}
	return key
}

func (l *LSH) Insert(id uint64, vector []float32) error {
	if len(vector) != l.dim {
		return fmt.Errorf("lsh: dimension mismatch: got %d want %d", len(vector), l.dim)
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.vectors[id] = cp
	for t := 0; t < l.numTables; t++ {
		key := l.hash(t, cp)
		if l.buckets[t][key] == nil {
			l.buckets[t][key] = make(map[uint64]bool)
		}
		l.buckets[t][key][id] = true
	}
	return nil
}

func (l *LSH) Delete(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	vec, ok := l.vectors[id]
	if !ok {
		return nil
	}
	for t := 0; t < l.numTables; t++ {
		key := l.hash(t, vec)
		if bucket := l.buckets[t][key]; bucket != nil {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(l.buckets[t], key)
			}
		}
	}
	delete(l.vectors, id)
	return nil
}

func (l *LSH) Search(query []float32, k int, opts SearchOptions) (SearchResult, error) {
	if len(query) != l.dim {
		return SearchResult{}, fmt.Errorf("lsh: query dimension mismatch: got %d want %d", len(query), l.dim)
	}
	if k <= 0 {
		return SearchResult{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	candidateSet := make(map[uint64]bool)
	for t := 0; t < l.numTables; t++ {
		key := l.hash(t, query)
		for id := range l.buckets[t][key] {
			candidateSet[id] = true
		}
	}

	// If hashing alone produced too few candidates to satisfy k, widen
	// the search to the full vector set rather than returning a short,
	// possibly misleading result.
	if len(candidateSet) < k {
		for id := range l.vectors {
			candidateSet[id] = true
		}
	}

	candidates := make([]scored, 0, len(candidateSet))
	for id := range candidateSet {
		if !opts.Filter.Allows(id) {
			continue
		}
		candidates = append(candidates, scored{id: id, dist: l.distFn(query, l.vectors[id])})
	}

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

// Serialize dumps the hyperplanes (so Deserialize can rebuild identical
// hash tables) plus every stored vector; buckets are recomputed from the
// vectors rather than serialized directly.
func (l *LSH) Serialize() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var buf bytes.Buffer
	write := func(x any) error { return binary.Write(&buf, binary.BigEndian, x) }

	if err := write(uint32(l.numTables)); err != nil {
		return nil, err
	}
	if err := write(uint32(l.numPlanes)); err != nil {
		return nil, err
	}
	if err := write(uint32(l.dim)); err != nil {
		return nil, err
	}
	for t := 0; t < l.numTables; t++ {
		for p := 0; p < l.numPlanes; p++ {
			for _, x := range l.hyperplanes[t][p] {
				if err := write(math.Float32bits(x)); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := write(uint32(len(l.vectors))); err != nil {
		return nil, err
	}
	for id, vec := range l.vectors {
		if err := write(id); err != nil {
			return nil, err
		}
		for _, x := range vec {
			if err := write(math.Float32bits(x)); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

func (l *LSH) Deserialize(data []byte) error {
	r := bytes.NewReader(data)
	read := func(x any) error { return binary.Read(r, binary.BigEndian, x) }

	var numTables, numPlanes, dim uint32
	if err := read(&numTables); err != nil {
		return fmt.Errorf("lsh: read num tables: %w", err)
	}
	if err := read(&numPlanes); err != nil {
		return fmt.Errorf("lsh: read num planes: %w", err)
	}
	if err := read(&dim); err != nil {
		return fmt.Errorf("lsh: read dim: %w", err)
	}

	hyperplanes := make([][][]float32, numTables)
	for t := range hyperplanes {
		planes := make([][]float32, numPlanes)
		for p := range planes {
			plane := make([]float32, dim)
			for d := range plane {
				var bits uint32
				if err := read(&bits); err != nil {
					return fmt.Errorf("lsh: read hyperplane component: %w", err)
				}
				plane[d] = math.Float32frombits(bits)
			}
			planes[p] = plane
		}
		hyperplanes[t] = planes
	}

	var count uint32
	if err := read(&count); err != nil {
		return fmt.Errorf("lsh: read vector count: %w", err)
	}
	vectors := make(map[uint64][]float32, count)
	for i := uint32(0); i < count; i++ {
		var id uint64
		if err := read(&id); err != nil {
			return fmt.Errorf("lsh: read vector id %d: %w", i, err)
		}
		vec := make([]float32, dim)
		for d := range vec {
			var bits uint32
			if err := read(&bits); err != nil {
				return fmt.Errorf("lsh: read vector component for %d: %w", id, err)
			}
			vec[d] = math.Float32frombits(bits)
		}
		vectors[id] = vec
	}

	l.mu.Lock()
	l.numTables = int(numTables)
	l.numPlanes = int(numPlanes)
	l.dim = int(dim)
	l.hyperplanes = hyperplanes
	l.vectors = vectors
	l.buckets = make([]map[uint64]map[uint64]bool, numTables)
	for t := range l.buckets {
		l.buckets[t] = make(map[uint64]map[uint64]bool)
	}
	for id, vec := range vectors {
		for t := 0; t < l.numTables; t++ {
			key := l.hash(t, vec)
			if l.buckets[t][key] == nil {
				l.buckets[t][key] = make(map[uint64]bool)
			}
			l.buckets[t][key][id] = true
		}
	}
	l.mu.Unlock()
	return nil
}
