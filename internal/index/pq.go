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

// PQ implements product quantization (spec.md §4.4 optional strategies):
// each vector is split into NumSubvectors equal chunks, and each chunk is
// replaced by the id of its nearest of 2^Bits centroids (trained with a
// Lloyd's-algorithm k-means pass once enough vectors have accumulated).
// Until training has happened, PQ answers Search exactly against the
// buffered raw vectors, so recall never silently degrades during warm-up.
type PQ struct {
	dim      int
	numSub   int
	subDim   int
	centroidCount int
	distance common.Distance
	distFn   common.DistanceFunc

	trainThreshold int

	mu         sync.RWMutex
	trained    bool
	centroids  [][][]float32 // [sub][code] -> subDim-length centroid
	codes      map[uint64][]byte
	rawPending map[uint64][]float32 // buffered until trained
}

// NewPQ constructs a PQ index. A non-positive Bits defaults to 8 and
// larger values are capped at 8; codes are always
// stored as a single byte, so centroidCount tops out at 256.
func NewPQ(dim int, distance common.Distance, distFn common.DistanceFunc, cfg common.PQConfig) (*PQ, error) {
	numSub := cfg.NumSubvectors
	if numSub <= 0 || dim%numSub != 0 {
		return nil, fmt.Errorf("pq: num_subvectors=%d must evenly divide dim=%d", numSub, dim)
	}
	bits := cfg.Bits
	if bits <= 0 {
		bits = 8
	}
	if bits > 8 {
		bits = 8
	}
	centroidCount := 1 << bits
	return &PQ{
		dim:            dim,
		numSub:         numSub,
		subDim:         dim / numSub,
		centroidCount:  centroidCount,
		distance:       distance,
		distFn:         distFn,
		trainThreshold: max(centroidCount*4, 64),
		codes:          make(map[uint64][]byte),
		rawPending:     make(map[uint64][]float32),
	}, nil
}

func (p *PQ) StrategyType() common.IndexType { return common.IndexTypePQ }

func (p *PQ) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.codes) + len(p.rawPending)
}

func (p *PQ) Ids() []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]uint64, 0, len(p.codes)+len(p.rawPending))
	for id := range p.codes {
		ids = append(ids, id)
	}
	for id := range p.rawPending {
		ids = append(ids, id)
	}
	return ids
}

func (p *PQ) Insert(id uint64, vector []float32) error {
	if len(vector) != p.dim {
		return fmt.Errorf("pq: dimension mismatch: got %d want %d", len(vector), p.dim)
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.trained {
		p.codes[id] = p.encode(cp)
		return nil
	}

	p.rawPending[id] = cp
	if len(p.rawPending) >= p.trainThreshold {
		p.train()
	}
	return nil
}

func (p *PQ) Delete(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.codes, id)
	delete(p.rawPending, id)
	return nil
}

// train runs per-subspace k-means (fixed iteration count, Lloyd's
// algorithm) over the buffered vectors, then quantizes every buffered
// vector and drops the raw copies.
func (p *PQ) train() {
	ids := make([]uint64, 0, len(p.rawPending))
	for id := range p.rawPending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	k := p.centroidCount
	if k > len(ids) {
		k = len(ids)
	}
	if k == 0 {
		return
	}

	p.centroids = make([][][]float32, p.numSub)
	rng := rand.New(rand.NewSource(0xC0FFEE))

	for s := 0; s < p.numSub; s++ {
		points := make([][]float32, len(ids))
		for i, id := range ids {
			points[i] = subvector(p.rawPending[id], s, p.subDim)
		}
		p.centroids[s] = kMeans(points, k, p.subDim, rng)
	}

	for _, id := range ids {
		p.codes[id] = p.encode(p.rawPending[id])
	}
	p.rawPending = make(map[uint64][]float32)
	p.trained = true
}

func subvector(v []float32, sub, subDim int) []float32 {
	return v[sub*subDim : (sub+1)*subDim]
}

// kMeans runs a fixed number of Lloyd's-algorithm iterations, seeded with
// the first k points of a random permutation drawn from rng.
func kMeans(points [][]float32, k, dim int, rng *rand.Rand) [][]float32 {
	centroids := make([][]float32, k)
	perm := rng.Perm(len(points))
	for i := 0; i < k; i++ {
		src := points[perm[i]]
		c := make([]float32, dim)
		copy(c, src)
		centroids[i] = c
	}

	assignments := make([]int, len(points))
	for iter := 0; iter < 10; iter++ {
		for i, pt := range points {
			best, bestDist := 0, float32(math.Inf(1))
			for c, centroid := range centroids {
				d := common.L2(pt, centroid)
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			assignments[i] = best
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, pt := range points {
			c := assignments[i]
			counts[c]++
			for d, v := range pt {
				sums[c][d] += float64(v)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}
	return centroids
}

func (p *PQ) encode(vector []float32) []byte {
	code := make([]byte, p.numSub)
	for s := 0; s < p.numSub; s++ {
		sub := subvector(vector, s, p.subDim)
		best, bestDist := 0, float32(math.Inf(1))
		for c, centroid := range p.centroids[s] {
			d := common.L2(sub, centroid)
			if d < bestDist {
				best, bestDist = c, d
			}
		}
		code[s] = byte(best)
	}
	return code
}

// approxDistance computes the asymmetric distance from query to a coded
// vector: the sum, over subspaces, of the distance from the query's
// subvector to the assigned centroid. This approximates the configured
// distance function via its L2 decomposition regardless of which
// distance the collection is configured with, since PQ's accuracy
// tradeoff is inherent to the strategy (spec.md §4.4 non-goal: PQ is not
// held to the same recall bound as HNSW).
func (p *PQ) approxDistance(query []float32, code []byte) float32 {
	var sum float32
	for s := 0; s < p.numSub; s++ {
		sub := subvector(query, s, p.subDim)
		sum += common.L2(sub, p.centroids[s][code[s]])
	}
	return sum
}

func (p *PQ) Search(query []float32, k int, opts SearchOptions) (SearchResult, error) {
	if len(query) != p.dim {
		return SearchResult{}, fmt.Errorf("pq: query dimension mismatch: got %d want %d", len(query), p.dim)
	}
	if k <= 0 {
		return SearchResult{}, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []scored
	if !p.trained {
		for id, vec := range p.rawPending {
			if !opts.Filter.Allows(id) {
				continue
			}
			candidates = append(candidates, scored{id: id, dist: p.distFn(query, vec)})
		}
	} else {
		for id, code := range p.codes {
			if !opts.Filter.Allows(id) {
				continue
			}
			candidates = append(candidates, scored{id: id, dist: p.approxDistance(query, code)})
		}
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

func (p *PQ) Serialize() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var buf bytes.Buffer
	write := func(v any) error { return binary.Write(&buf, binary.BigEndian, v) }

	if err := write(boolByte(p.trained)); err != nil {
		return nil, err
	}
	if err := write(uint32(p.numSub)); err != nil {
		return nil, err
	}
	if err := write(uint32(p.subDim)); err != nil {
		return nil, err
	}

	if p.trained {
		if err := write(uint32(p.centroidCount)); err != nil {
			return nil, err
		}
		for s := 0; s < p.numSub; s++ {
			for _, centroid := range p.centroids[s] {
				for _, v := range centroid {
					if err := write(math.Float32bits(v)); err != nil {
						return nil, err
					}
				}
			}
		}
		if err := write(uint32(len(p.codes))); err != nil {
			return nil, err
		}
		for id, code := range p.codes {
			if err := write(id); err != nil {
				return nil, err
			}
			if _, err := buf.Write(code); err != nil {
				return nil, err
			}
		}
	} else {
		if err := write(uint32(len(p.rawPending))); err != nil {
			return nil, err
		}
		for id, vec := range p.rawPending {
			if err := write(id); err != nil {
				return nil, err
			}
			for _, v := range vec {
				if err := write(math.Float32bits(v)); err != nil {
					return nil, err
				}
			}
		}
	}

	return buf.Bytes(), nil
}

func (p *PQ) Deserialize(data []byte) error {
	r := bytes.NewReader(data)
	read := func(v any) error { return binary.Read(r, binary.BigEndian, v) }

	var trainedByte uint8
	if err := read(&trainedByte); err != nil {
		return fmt.Errorf("pq: read trained flag: %w", err)
	}
	var numSub, subDim uint32
	if err := read(&numSub); err != nil {
		return fmt.Errorf("pq: read num subvectors: %w", err)
	}
	if err := read(&subDim); err != nil {
		return fmt.Errorf("pq: read subvector dim: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.numSub = int(numSub)
	p.subDim = int(subDim)
	p.dim = p.numSub * p.subDim

	if trainedByte != 0 {
		var centroidCount uint32
		if err := read(&centroidCount); err != nil {
			return fmt.Errorf("pq: read centroid count: %w", err)
		}
		p.centroidCount = int(centroidCount)
		p.centroids = make([][][]float32, p.numSub)
		for s := 0; s < p.numSub; s++ {
			p.centroids[s] = make([][]float32, p.centroidCount)
			for c := 0; c < p.centroidCount; c++ {
				vec := make([]float32, p.subDim)
				for d := range vec {
					var bits uint32
					if err := read(&bits); err != nil {
						return fmt.Errorf("pq: read centroid component: %w", err)
					}
					vec[d] = math.Float32frombits(bits)
				}
				p.centroids[s][c] = vec
			}
		}
		var count uint32
		if err := read(&count); err != nil {
			return fmt.Errorf("pq: read code count: %w", err)
		}
		codes := make(map[uint64][]byte, count)
		for i := uint32(0); i < count; i++ {
			var id uint64
			if err := read(&id); err != nil {
				return fmt.Errorf("pq: read code id %d: %w", i, err)
			}
			code := make([]byte, p.numSub)
			if _, err := r.Read(code); err != nil {
				return fmt.Errorf("pq: read code bytes for %d: %w", id, err)
			}
			codes[id] = code
		}
		p.codes = codes
		p.rawPending = make(map[uint64][]float32)
		p.trained = true
	} else {
		var count uint32
		if err := read(&count); err != nil {
			return fmt.Errorf("pq: read pending count: %w", err)
		}
		raw := make(map[uint64][]float32, count)
		for i := uint32(0); i < count; i++ {
			var id uint64
			if err := read(&id); err != nil {
				return fmt.Errorf("pq: read pending id %d: %w", i, err)
			}
			vec := make([]float32, p.dim)
			for d := range vec {
				var bits uint32
				if err := read(&bits); err != nil {
					return fmt.Errorf("pq: read pending component for %d: %w", id, err)
				}
				vec[d] = math.Float32frombits(bits)
			}
			raw[id] = vec
		}
		p.rawPending = raw
		p.codes = make(map[uint64][]byte)
		p.trained = false
	}

	return nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
