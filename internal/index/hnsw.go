package index

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"vexfs/internal/common"
)

// HNSW implements the hierarchical navigable small world graph from
// spec.md §4.4: geometric level sampling with parameter 1/ln(M), a
// candidate max-heap bounded by ef_construction during build, the
// M/2M neighbor-pruning heuristic with diversity preservation, explicit
// entry-point tracking, and an ef_search beam search confined to layer 0
// for the final candidate set. Ties are broken by the smaller vector id
// throughout.
type HNSW struct {
	dim      int
	distance common.Distance
	distFn   common.DistanceFunc
	cfg      common.HNSWConfig

	levelMult float64
	rng       *rand.Rand

	mu         sync.RWMutex
	nodes      map[uint64]*hnswNode
	entryPoint uint64
	hasEntry   bool
	maxLevel   int
}

type hnswNode struct {
	id        uint64
	vector    []float32
	level     int        // top layer this node participates in
	neighbors [][]uint64 // neighbors[l] valid for l in [0, level]
}

// NewHNSW constructs an empty HNSW index. The level-sampling RNG is
// seeded deterministically so that two indexes built from the same
// insert sequence produce the same graph — useful for the round-trip
// serialize/deserialize property in spec.md §8.
func NewHNSW(dim int, distance common.Distance, distFn common.DistanceFunc, cfg common.HNSWConfig) *HNSW {
	if cfg.M <= 1 {
		cfg.M = 16
	}
	if cfg.EFConstruction <= 0 {
		cfg.EFConstruction = 200
	}
	if cfg.EFSearch <= 0 {
		cfg.EFSearch = 64
	}
	return &HNSW{
		dim:       dim,
		distance:  distance,
		distFn:    distFn,
		cfg:       cfg,
		levelMult: 1 / math.Log(float64(cfg.M)),
		rng:       rand.New(rand.NewSource(0xC0FFEE)),
		nodes:     make(map[uint64]*hnswNode),
	}
}

func (h *HNSW) StrategyType() common.IndexType { return common.IndexTypeHNSW }

func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

func (h *HNSW) Ids() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]uint64, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	return ids
}

// sampleLevel draws a layer per the geometric distribution used in the
// original HNSW paper: floor(-ln(U) * levelMult), U uniform in (0,1].
func (h *HNSW) sampleLevel() int {
	u := h.rng.Float64()
	if u <= 0 {
		u = 1e-12
	}
	return int(math.Floor(-math.Log(u) * h.levelMult))
}

func (h *HNSW) neighborCap(layer int) int {
	if layer == 0 {
		return h.cfg.M * 2
	}
	return h.cfg.M
}

// candidate pairs a node id with its distance to some reference point.
type candidate struct {
	id   uint64
	dist float32
}

// farHeap is a max-heap on distance (ties broken so the LARGER id sits at
// the top, making eviction during pruning deterministic): used to keep
// the ef_construction closest candidates while scanning a layer.
type farHeap []candidate

func (h farHeap) Len() int { return len(h) }
func (h farHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].id > h[j].id
}
func (h farHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *farHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *farHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// nearHeap is a min-heap on distance, ties broken toward the smaller id:
// used as the exploration frontier during layer search.
type nearHeap []candidate

func (h nearHeap) Len() int { return len(h) }
func (h nearHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	return h[i].id < h[j].id
}
func (h nearHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *nearHeap) Push(x any)   { *h = append(*h, x.(candidate)) }
func (h *nearHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// searchLayer runs a beam search on one layer starting from entryPoints,
// returning up to ef closest candidates to query, ascending by distance
// then id. Callers hold at least a read lock.
func (h *HNSW) searchLayer(query []float32, entryPoints []uint64, ef int, layer int) []candidate {
	visited := make(map[uint64]bool, ef*2)
	var candidates nearHeap
	var results farHeap

	for _, id := range entryPoints {
		if visited[id] {
			continue
		}
		visited[id] = true
		d := h.distFn(query, h.nodes[id].vector)
		heap.Push(&candidates, candidate{id: id, dist: d})
		heap.Push(&results, candidate{id: id, dist: d})
	}

	for candidates.Len() > 0 {
		nearest := heap.Pop(&candidates).(candidate)

		if results.Len() >= ef {
			worst := results[0]
			if nearest.dist > worst.dist || (nearest.dist == worst.dist && nearest.id > worst.id) {
				break
			}
		}

		node := h.nodes[nearest.id]
		if layer > node.level {
			continue
		}
		for _, neighborID := range node.neighbors[layer] {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true
			neighbor, ok := h.nodes[neighborID]
			if !ok {
				continue
			}
			d := h.distFn(query, neighbor.vector)

			if results.Len() < ef {
				heap.Push(&candidates, candidate{id: neighborID, dist: d})
				heap.Push(&results, candidate{id: neighborID, dist: d})
			} else {
				worst := results[0]
				if d < worst.dist || (d == worst.dist && neighborID < worst.id) {
					heap.Push(&candidates, candidate{id: neighborID, dist: d})
					heap.Push(&results, candidate{id: neighborID, dist: d})
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]candidate, len(results))
	copy(out, results)
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].id < out[j].id
	})
	return out
}

// selectNeighborsHeuristic implements the diversity-preserving pruning
// heuristic from spec.md §4.4: a candidate is kept only if it is closer
// to the query than to every neighbor already selected, which avoids
// clustering all edges toward one dense region. If fewer than cap
// candidates survive the heuristic, the closest of the discarded ones
// pad the result back up to cap.
func (h *HNSW) selectNeighborsHeuristic(query []float32, candidates []candidate, cap int) []uint64 {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].dist != sorted[j].dist {
			return sorted[i].dist < sorted[j].dist
		}
		return sorted[i].id < sorted[j].id
	})

	var selected []candidate
	var discarded []candidate

	for _, c := range sorted {
		if len(selected) >= cap {
			break
		}
		keep := true
		for _, s := range selected {
			if h.distFn(h.nodes[c.id].vector, h.nodes[s.id].vector) < c.dist {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c)
		} else {
			discarded = append(discarded, c)
		}
	}

	for _, c := range discarded {
		if len(selected) >= cap {
			break
		}
		selected = append(selected, c)
	}

	ids := make([]uint64, len(selected))
	for i, c := range selected {
		ids[i] = c.id
	}
	return ids
}

func (h *HNSW) Insert(id uint64, vector []float32) error {
	return h.InsertWithCancel(id, vector, nil)
}

// InsertWithCancel runs Insert's graph construction, checking done (if
// non-nil) at each layer boundary of both the greedy-descent and the
// beam-search/linking phases. A close on done before construction
// reaches layer 0 aborts the insert and returns ErrBuildCanceled,
// leaving the node absent from the graph; the caller is expected to
// retry the insert later (spec.md's cancellation: a cancelled index
// insert after a successful WAL+storage write is recovered via the
// pending-rebuild path).
func (h *HNSW) InsertWithCancel(id uint64, vector []float32, done <-chan struct{}) error {
	if len(vector) != h.dim {
		return fmt.Errorf("hnsw: dimension mismatch: got %d want %d", len(vector), h.dim)
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)

	h.mu.Lock()
	defer h.mu.Unlock()

	level := h.sampleLevel()
	node := &hnswNode{id: id, vector: cp, level: level, neighbors: make([][]uint64, level+1)}
	for i := range node.neighbors {
		node.neighbors[i] = nil
	}

	if !h.hasEntry {
		h.nodes[id] = node
		h.entryPoint = id
		h.hasEntry = true
		h.maxLevel = level
		return nil
	}

	// Phase 1: greedy descent from the top layer down to level+1,
	// keeping only the single closest point found at each layer as the
	// entry point for the next.
	entry := h.entryPoint
	for layer := h.maxLevel; layer > level; layer-- {
		if canceled(done) {
			return ErrBuildCanceled
		}
		found := h.searchLayer(cp, []uint64{entry}, 1, layer)
		if len(found) > 0 {
			entry = found[0].id
		}
	}

	// Phase 2: from layer min(level, maxLevel) down to 0, run an
	// ef_construction beam search and link bidirectionally with pruning.
	entryPoints := []uint64{entry}
	for layer := min(level, h.maxLevel); layer >= 0; layer-- {
		if canceled(done) {
			if _, existed := h.nodes[id]; !existed {
				// Drop the back-edges already added on the upper layers.
				for l := layer + 1; l <= min(level, h.maxLevel); l++ {
					for _, nbID := range node.neighbors[l] {
						if nb, ok := h.nodes[nbID]; ok {
							nb.neighbors[l] = removeID(nb.neighbors[l], id)
						}
					}
				}
			}
			return ErrBuildCanceled
		}
		found := h.searchLayer(cp, entryPoints, h.cfg.EFConstruction, layer)
		cap := h.neighborCap(layer)
		neighborIDs := h.selectNeighborsHeuristic(cp, found, cap)
		node.neighbors[layer] = neighborIDs

		for _, nbID := range neighborIDs {
			nb := h.nodes[nbID]
			nb.neighbors[layer] = append(nb.neighbors[layer], id)
			if len(nb.neighbors[layer]) > h.neighborCap(layer) {
				nbCandidates := make([]candidate, len(nb.neighbors[layer]))
				for i, otherID := range nb.neighbors[layer] {
					nbCandidates[i] = candidate{id: otherID, dist: h.distFn(nb.vector, h.nodes[otherID].vector)}
				}
				nb.neighbors[layer] = h.selectNeighborsHeuristic(nb.vector, nbCandidates, h.neighborCap(layer))
			}
		}

		entryPoints = make([]uint64, len(found))
		for i, c := range found {
			entryPoints[i] = c.id
		}
	}

	h.nodes[id] = node
	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = id
	}
	return nil
}

// Delete removes a node and its incoming/outgoing edges. The entry point
// is reassigned to an arbitrary survivor at the highest remaining level
// if the deleted node was the entry point.
func (h *HNSW) Delete(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, ok := h.nodes[id]
	if !ok {
		return nil
	}
	for _, other := range h.nodes {
		for layer := 0; layer <= min(node.level, other.level); layer++ {
			other.neighbors[layer] = removeID(other.neighbors[layer], id)
		}
	}
	delete(h.nodes, id)

	if h.entryPoint == id {
		h.hasEntry = false
		h.maxLevel = 0
		for otherID, other := range h.nodes {
			if !h.hasEntry || other.level > h.maxLevel {
				h.entryPoint = otherID
				h.maxLevel = other.level
				h.hasEntry = true
			}
		}
	}
	return nil
}

func removeID(ids []uint64, target uint64) []uint64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func (h *HNSW) Search(query []float32, k int, opts SearchOptions) (SearchResult, error) {
	if len(query) != h.dim {
		return SearchResult{}, fmt.Errorf("hnsw: query dimension mismatch: got %d want %d", len(query), h.dim)
	}
	if k <= 0 {
		return SearchResult{}, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry {
		return SearchResult{}, nil
	}

	ef := opts.EFSearch
	if ef <= 0 {
		ef = h.cfg.EFSearch
	}
	if ef < k {
		ef = k
	}

	entry := h.entryPoint
	for layer := h.maxLevel; layer > 0; layer-- {
		found := h.searchLayer(query, []uint64{entry}, 1, layer)
		if len(found) > 0 {
			entry = found[0].id
		}
	}

	found := h.searchLayer(query, []uint64{entry}, ef, 0)

	filtered := found[:0]
	for _, c := range found {
		if opts.Filter.Allows(c.id) {
			filtered = append(filtered, c)
		}
	}

	if k > len(filtered) {
		k = len(filtered)
	}
	result := SearchResult{IDs: make([]uint64, k), Distances: make([]float32, k)}
	for i := 0; i < k; i++ {
		result.IDs[i] = filtered[i].id
		result.Distances[i] = filtered[i].dist
	}
	return result, nil
}

// Serialize dumps the full graph: nodes, their vectors, and their
// per-layer neighbor lists, plus the entry point and max level. The
// config (M, ef values) and the level-sampling RNG state are not
// written; after Deserialize they are those of the receiving index.
func (h *HNSW) Serialize() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var buf bytes.Buffer
	write := func(v any) error { return binary.Write(&buf, binary.BigEndian, v) }

	if err := write(uint64(h.entryPoint)); err != nil {
		return nil, err
	}
	if err := write(uint8(boolToByte(h.hasEntry))); err != nil {
		return nil, err
	}
	if err := write(uint32(h.maxLevel)); err != nil {
		return nil, err
	}
	if err := write(uint32(len(h.nodes))); err != nil {
		return nil, err
	}

	for id, node := range h.nodes {
		if err := write(id); err != nil {
			return nil, err
		}
		if err := write(uint32(node.level)); err != nil {
			return nil, err
		}
		if err := write(uint32(len(node.vector))); err != nil {
			return nil, err
		}
		for _, v := range node.vector {
			if err := write(math.Float32bits(v)); err != nil {
				return nil, err
			}
		}
		for layer := 0; layer <= node.level; layer++ {
			neighbors := node.neighbors[layer]
			if err := write(uint32(len(neighbors))); err != nil {
				return nil, err
			}
			for _, nbID := range neighbors {
				if err := write(nbID); err != nil {
					return nil, err
				}
			}
		}
	}

	return buf.Bytes(), nil
}

func (h *HNSW) Deserialize(data []byte) error {
	r := bytes.NewReader(data)
	read := func(v any) error { return binary.Read(r, binary.BigEndian, v) }

	var entry uint64
	if err := read(&entry); err != nil {
		return fmt.Errorf("hnsw: read entry point: %w", err)
	}
	var hasEntryByte uint8
	if err := read(&hasEntryByte); err != nil {
		return fmt.Errorf("hnsw: read entry flag: %w", err)
	}
	var maxLevel uint32
	if err := read(&maxLevel); err != nil {
		return fmt.Errorf("hnsw: read max level: %w", err)
	}
	var count uint32
	if err := read(&count); err != nil {
		return fmt.Errorf("hnsw: read node count: %w", err)
	}

	nodes := make(map[uint64]*hnswNode, count)
	for i := uint32(0); i < count; i++ {
		var id uint64
		if err := read(&id); err != nil {
			return fmt.Errorf("hnsw: read node id %d: %w", i, err)
		}
		var level uint32
		if err := read(&level); err != nil {
			return fmt.Errorf("hnsw: read node level for %d: %w", id, err)
		}
		var dim uint32
		if err := read(&dim); err != nil {
			return fmt.Errorf("hnsw: read vector dim for %d: %w", id, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			var bits uint32
			if err := read(&bits); err != nil {
				return fmt.Errorf("hnsw: read vector component for %d: %w", id, err)
			}
			vec[j] = math.Float32frombits(bits)
		}

		node := &hnswNode{id: id, vector: vec, level: int(level), neighbors: make([][]uint64, level+1)}
		for layer := 0; layer <= int(level); layer++ {
			var n uint32
			if err := read(&n); err != nil {
				return fmt.Errorf("hnsw: read neighbor count for %d layer %d: %w", id, layer, err)
			}
			neighbors := make([]uint64, n)
			for k := range neighbors {
				if err := read(&neighbors[k]); err != nil {
					return fmt.Errorf("hnsw: read neighbor for %d layer %d: %w", id, layer, err)
				}
			}
			node.neighbors[layer] = neighbors
		}
		nodes[id] = node
	}

	h.mu.Lock()
	h.nodes = nodes
	h.entryPoint = entry
	h.hasEntry = hasEntryByte != 0
	h.maxLevel = int(maxLevel)
	h.mu.Unlock()
	return nil
}

// canceled reports whether done is non-nil and already closed, without
// blocking. A nil channel (no watchdog wired in) never cancels.
func canceled(done <-chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func boolToByte(b bool) int {
	if b {
		return 1
	}
	return 0
}
