package filter

import "github.com/RoaringBitmap/roaring"

// Op names an equality-style comparison over an integer attribute field.
type Op int

const (
	Equal Op = iota
	NotEqual
)

// Predicate names one field/op/value test, e.g. "category == 3".
type Predicate struct {
	Field  string
	Op     Op
	Target int64
}

// AttributeIndex maintains, per integer attribute field and value, the
// bitmap of vector ids carrying that value — the same structure as
// kungtalon-vecdb-go/internal/filter/index.go's IntFilterIndex, renamed
// to read naturally alongside IDFilter.
type AttributeIndex struct {
	byField map[string]map[int64]*roaring.Bitmap
}

// NewAttributeIndex returns an empty index.
func NewAttributeIndex() *AttributeIndex {
	return &AttributeIndex{byField: make(map[string]map[int64]*roaring.Bitmap)}
}

// Upsert records that vector id carries field=value.
func (idx *AttributeIndex) Upsert(field string, value int64, id uint64) {
	byValue, ok := idx.byField[field]
	if !ok {
		byValue = make(map[int64]*roaring.Bitmap)
		idx.byField[field] = byValue
	}
	bitmap, ok := byValue[value]
	if !ok {
		bitmap = roaring.New()
		byValue[value] = bitmap
	}
	bitmap.Add(uint32(id))
}

// Remove drops id from field=value, pruning the empty bitmap.
func (idx *AttributeIndex) Remove(field string, value int64, id uint64) {
	byValue, ok := idx.byField[field]
	if !ok {
		return
	}
	bitmap, ok := byValue[value]
	if !ok {
		return
	}
	bitmap.Remove(uint32(id))
	if bitmap.IsEmpty() {
		delete(byValue, value)
	}
}

// Apply narrows candidates (itself a bitmap of admissible ids) by pred,
// returning a new bitmap.
func (idx *AttributeIndex) Apply(pred Predicate, candidates *roaring.Bitmap) *roaring.Bitmap {
	byValue, ok := idx.byField[pred.Field]
	if !ok {
		if pred.Op == Equal {
			return roaring.New()
		}
		return candidates.Clone()
	}

	switch pred.Op {
	case Equal:
		bitmap, ok := byValue[pred.Target]
		if !ok {
			return roaring.New()
		}
		return roaring.And(candidates, bitmap)
	case NotEqual:
		result := candidates.Clone()
		if bitmap, ok := byValue[pred.Target]; ok {
			result.AndNot(bitmap)
		}
		return result
	default:
		return candidates.Clone()
	}
}

// ToFilter converts a bitmap into an IDFilter.
func ToFilter(bitmap *roaring.Bitmap) *IDFilter {
	return NewIDFilterFrom(bitmap)
}
