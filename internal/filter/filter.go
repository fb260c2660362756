// Package filter implements ID-set filtering for search queries, grounded
// on kungtalon-vecdb-go/internal/filter/{filter,index}.go. The FAISS
// selector bridge from the teacher is gone (no CGo dependency survives
// the transform); a Selector here is consulted directly by each pure-Go
// index's Search instead.
package filter

import "github.com/RoaringBitmap/roaring"

// IDFilter wraps a roaring bitmap of admissible vector ids.
type IDFilter struct {
	bitmap *roaring.Bitmap
}

// NewIDFilter returns an empty filter.
func NewIDFilter() *IDFilter {
	return &IDFilter{bitmap: roaring.New()}
}

// NewIDFilterFrom wraps an existing bitmap.
func NewIDFilterFrom(bitmap *roaring.Bitmap) *IDFilter {
	return &IDFilter{bitmap: bitmap}
}

// Add adds an id to the filter.
func (f *IDFilter) Add(id uint64) { f.bitmap.Add(uint32(id)) }

// AddAll adds every id in ids to the filter.
func (f *IDFilter) AddAll(ids []uint64) {
	for _, id := range ids {
		f.Add(id)
	}
}

// Allows reports whether id passes the filter. A nil *IDFilter allows
// everything, so callers can pass a nil filter for "no restriction"
// without a branch at every call site.
func (f *IDFilter) Allows(id uint64) bool {
	if f == nil {
		return true
	}
	return f.bitmap.Contains(uint32(id))
}

// Cardinality returns the number of admissible ids, or -1 for an unset filter.
func (f *IDFilter) Cardinality() int {
	if f == nil {
		return -1
	}
	return int(f.bitmap.GetCardinality())
}

// Clone returns a deep copy.
func (f *IDFilter) Clone() *IDFilter {
	if f == nil {
		return nil
	}
	return &IDFilter{bitmap: f.bitmap.Clone()}
}

// Bitmap returns the underlying roaring bitmap.
func (f *IDFilter) Bitmap() *roaring.Bitmap { return f.bitmap }
