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

// IVF implements an inverted-file coarse quantizer (spec.md §4.4 optional
// strategies): NList centroids partition the space, each vector is
// assigned to its nearest centroid's posting list, and Search scans only
// the NProbe closest lists. Centroids are trained lazily, the same way
// PQ trains its codebooks; before training IVF behaves as Flat.
type IVF struct {
	dim      int
	distance common.Distance
	distFn   common.DistanceFunc
	nlist    int
	nprobe   int

	trainThreshold int

	mu         sync.RWMutex
	trained    bool
	centroids  [][]float32
	postings   map[int]map[uint64][]float32 // centroid -> id -> vector
	assignment map[uint64]int               // id -> centroid, for Delete
	rawPending map[uint64][]float32
}

// NewIVF constructs an IVF index.
func NewIVF(dim int, distance common.Distance, distFn common.DistanceFunc, cfg common.IVFConfig) *IVF {
	nlist := cfg.NList
	if nlist <= 0 {
		nlist = 16
	}
	nprobe := cfg.NProbe
	if nprobe <= 0 {
		nprobe = max(1, nlist/8)
	}
	return &IVF{
		dim:            dim,
		distance:       distance,
		distFn:         distFn,
		nlist:          nlist,
		nprobe:         nprobe,
		trainThreshold: max(nlist*4, 64),
		postings:       make(map[int]map[uint64][]float32),
		assignment:     make(map[uint64]int),
		rawPending:     make(map[uint64][]float32),
	}
}

func (v *IVF) StrategyType() common.IndexType { return common.IndexTypeIVF }

func (v *IVF) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.assignment) + len(v.rawPending)
}

func (v *IVF) Ids() []uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]uint64, 0, len(v.assignment)+len(v.rawPending))
	for id := range v.assignment {
		ids = append(ids, id)
	}
	for id := range v.rawPending {
		ids = append(ids, id)
	}
	return ids
}

func (v *IVF) Insert(id uint64, vector []float32) error {
	if len(vector) != v.dim {
		return fmt.Errorf("ivf: dimension mismatch: got %d want %d", len(vector), v.dim)
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.trained {
		v.assignTo(id, cp)
		return nil
	}

	v.rawPending[id] = cp
	if len(v.rawPending) >= v.trainThreshold {
		v.train()
	}
	return nil
}

func (v *IVF) Delete(id uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.assignment[id]; ok {
		delete(v.postings[c], id)
		delete(v.assignment, id)
	}
	delete(v.rawPending, id)
	return nil
}

func (v *IVF) nearestCentroid(vec []float32) int {
	best, bestDist := 0, float32(math.Inf(1))
	for c, centroid := range v.centroids {
		d := common.L2(vec, centroid)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func (v *IVF) assignTo(id uint64, vec []float32) {
	c := v.nearestCentroid(vec)
	if v.postings[c] == nil {
		v.postings[c] = make(map[uint64][]float32)
	}
	v.postings[c][id] = vec
	v.assignment[id] = c
}

func (v *IVF) train() {
	ids := make([]uint64, 0, len(v.rawPending))
	for id := range v.rawPending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	k := v.nlist
	if k > len(ids) {
		k = len(ids)
	}
	if k == 0 {
		return
	}

	points := make([][]float32, len(ids))
	for i, id := range ids {
		points[i] = v.rawPending[id]
	}
	rng := rand.New(rand.NewSource(0xC0FFEE))
	v.centroids = kMeans(points, k, v.dim, rng)
	v.trained = true

	for _, id := range ids {
		v.assignTo(id, v.rawPending[id])
	}
	v.rawPending = make(map[uint64][]float32)
}

func (v *IVF) Search(query []float32, k int, opts SearchOptions) (SearchResult, error) {
	if len(query) != v.dim {
		return SearchResult{}, fmt.Errorf("ivf: query dimension mismatch: got %d want %d", len(query), v.dim)
	}
	if k <= 0 {
		return SearchResult{}, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	var candidates []scored
	if !v.trained {
		for id, vec := range v.rawPending {
			if !opts.Filter.Allows(id) {
				continue
			}
			candidates = append(candidates, scored{id: id, dist: v.distFn(query, vec)})
		}
	} else {
		type centroidDist struct {
			idx  int
			dist float32
		}
		dists := make([]centroidDist, len(v.centroids))
		for c, centroid := range v.centroids {
			dists[c] = centroidDist{idx: c, dist: common.L2(query, centroid)}
		}
		sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

		probe := v.nprobe
		if probe > len(dists) {
			probe = len(dists)
		}
		for i := 0; i < probe; i++ {
			for id, vec := range v.postings[dists[i].idx] {
				if !opts.Filter.Allows(id) {
					continue
				}
				candidates = append(candidates, scored{id: id, dist: v.distFn(query, vec)})
			}
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

func (v *IVF) Serialize() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var buf bytes.Buffer
	write := func(x any) error { return binary.Write(&buf, binary.BigEndian, x) }

	if err := write(boolByte(v.trained)); err != nil {
		return nil, err
	}
	if err := write(uint32(v.dim)); err != nil {
		return nil, err
	}

	if v.trained {
		if err := write(uint32(len(v.centroids))); err != nil {
			return nil, err
		}
		for _, c := range v.centroids {
			for _, x := range c {
				if err := write(math.Float32bits(x)); err != nil {
					return nil, err
				}
			}
		}
		if err := write(uint32(len(v.assignment))); err != nil {
			return nil, err
		}
		for id, centroid := range v.assignment {
			vec := v.postings[centroid][id]
			if err := write(id); err != nil {
				return nil, err
			}
			if err := write(uint32(centroid)); err != nil {
				return nil, err
			}
			for _, x := range vec {
				if err := write(math.Float32bits(x)); err != nil {
					return nil, err
				}
			}
		}
	} else {
		if err := write(uint32(len(v.rawPending))); err != nil {
			return nil, err
		}
		for id, vec := range v.rawPending {
			if err := write(id); err != nil {
				return nil, err
			}
			for _, x := range vec {
				if err := write(math.Float32bits(x)); err != nil {
					return nil, err
				}
			}
		}
	}
	return buf.Bytes(), nil
}

func (v *IVF) Deserialize(data []byte) error {
	r := bytes.NewReader(data)
	read := func(x any) error { return binary.Read(r, binary.BigEndian, x) }

	var trainedByte uint8
	if err := read(&trainedByte); err != nil {
		return fmt.Errorf("ivf: read trained flag: %w", err)
	}
	var dim uint32
	if err := read(&dim); err != nil {
		return fmt.Errorf("ivf: read dim: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.dim = int(dim)

	if trainedByte != 0 {
		var nlist uint32
		if err := read(&nlist); err != nil {
			return fmt.Errorf("ivf: read centroid count: %w", err)
		}
		centroids := make([][]float32, nlist)
		for c := range centroids {
			vec := make([]float32, v.dim)
			for d := range vec {
				var bits uint32
				if err := read(&bits); err != nil {
					return fmt.Errorf("ivf: read centroid component: %w", err)
				}
				vec[d] = math.Float32frombits(bits)
			}
			centroids[c] = vec
		}
		v.centroids = centroids
		v.nlist = int(nlist)

		var count uint32
		if err := read(&count); err != nil {
			return fmt.Errorf("ivf: read vector count: %w", err)
		}
		postings := make(map[int]map[uint64][]float32)
		assignment := make(map[uint64]int, count)
		for i := uint32(0); i < count; i++ {
			var id uint64
			if err := read(&id); err != nil {
				return fmt.Errorf("ivf: read vector id %d: %w", i, err)
			}
			var centroid uint32
			if err := read(&centroid); err != nil {
				return fmt.Errorf("ivf: read centroid assignment for %d: %w", id, err)
			}
			vec := make([]float32, v.dim)
			for d := range vec {
				var bits uint32
				if err := read(&bits); err != nil {
					return fmt.Errorf("ivf: read vector component for %d: %w", id, err)
				}
				vec[d] = math.Float32frombits(bits)
			}
			if postings[int(centroid)] == nil {
				postings[int(centroid)] = make(map[uint64][]float32)
			}
			postings[int(centroid)][id] = vec
			assignment[id] = int(centroid)
		}
		v.postings = postings
		v.assignment = assignment
		v.rawPending = make(map[uint64][]float32)
		v.trained = true
	} else {
		var count uint32
		if err := read(&count); err != nil {
			return fmt.Errorf("ivf: read pending count: %w", err)
		}
		raw := make(map[uint64][]float32, count)
		for i := uint32(0); i < count; i++ {
			var id uint64
			if err := read(&id); err != nil {
				return fmt.Errorf("ivf: read pending id %d: %w", i, err)
			}
			vec := make([]float32, v.dim)
			for d := range vec {
				var bits uint32
				if err := read(&bits); err != nil {
					return fmt.Errorf("ivf: read pending component for %d: %w", id, err)
				}
				vec[d] = math.Float32frombits(bits)
			}
			raw[id] = vec
		}
		v.rawPending = raw
		v.postings = make(map[int]map[uint64][]float32)
		v.assignment = make(map[uint64]int)
		v.trained = false
	}
	return nil
}
