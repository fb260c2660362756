// Package common holds the value types shared across the engine, the
// storage layer, the index strategies, and the dialect router.
package common

// IndexType names an ANN strategy a collection can be built on.
type IndexType string

const (
	IndexTypeFlat IndexType = "flat"
	IndexTypeHNSW IndexType = "hnsw"
	IndexTypePQ   IndexType = "pq"
	IndexTypeIVF  IndexType = "ivf"
	IndexTypeLSH  IndexType = "lsh"
)

// Distance names the distance function a collection is fixed to at
// creation time (§3 Collection).
type Distance string

const (
	DistanceCosine Distance = "cosine"
	DistanceL2     Distance = "l2"
	DistanceDot    Distance = "dot"
)

// DocMap represents a document payload: arbitrary JSON-valued fields.
type DocMap map[string]any

// HNSWConfig carries the build-time parameters for an HNSW index (§4.4).
type HNSWConfig struct {
	M              int `json:"m" toml:"m"`
	EFConstruction int `json:"ef_construction" toml:"ef_construction"`
	EFSearch       int `json:"ef_search" toml:"ef_search"`
}

// DefaultHNSWConfig matches the teacher's defaults, scaled to the values
// recall@10 in spec.md §8 property 4 expects at query time.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EFConstruction: 200, EFSearch: 64}
}

// IVFConfig carries the coarse-quantizer parameters for an IVF index.
type IVFConfig struct {
	NList  int `json:"nlist" toml:"nlist"`
	NProbe int `json:"nprobe" toml:"nprobe"`
}

// PQConfig carries the product-quantization parameters for a PQ index.
type PQConfig struct {
	NumSubvectors int `json:"num_subvectors" toml:"num_subvectors"`
	Bits          int `json:"bits" toml:"bits"`
}

// LSHConfig carries the hash-family parameters for an LSH index.
type LSHConfig struct {
	NumTables      int `json:"num_tables" toml:"num_tables"`
	NumHyperplanes int `json:"num_hyperplanes" toml:"num_hyperplanes"`
}

// CollectionConfig is the immutable configuration of a collection,
// persisted to meta.json (§6).
type CollectionConfig struct {
	Name        string      `json:"name"`
	Dim         int         `json:"dim"`
	Distance    Distance    `json:"distance"`
	IndexType   IndexType   `json:"index_type"`
	Description string      `json:"description,omitempty"`
	HNSW        *HNSWConfig `json:"hnsw,omitempty"`
	IVF         *IVFConfig  `json:"ivf,omitempty"`
	PQ          *PQConfig   `json:"pq,omitempty"`
	LSH         *LSHConfig  `json:"lsh,omitempty"`
}
