// Package storage implements the vector storage manager from spec.md
// §4.3: per-vector-id records (raw vector bytes, dimension, payload,
// version) backed by an embedded KV store, namespaced per collection.
// Grounded on kungtalon-vecdb-go/internal/scalar/scalar.go, generalized
// from a single fixed "docs" bucket to one bucket per collection.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/nutsdb/nutsdb"

	"vexfs/internal/common"
	"vexfs/internal/vexerr"
)

// Record is one stored vector plus its payload, as returned by Get.
type Record struct {
	VectorID   uint64
	Vector     []float32
	Doc        common.DocMap
	Attributes common.DocMap
	Version    uint64
}

// KVPair is one decoded record surfaced by Iterate, used by
// reconciliation (spec.md §4.5) and by engine recovery to walk a
// collection.
type KVPair struct {
	VectorID uint64
	Record   Record
}

// Manager owns one nutsdb database shared by every collection; each
// collection gets its own bucket (vectors + attributes live in the
// same JSON blob, matching the teacher's doc+attributes convention).
type Manager struct {
	db *nutsdb.DB
}

const bucketSuffix = "__vectors"

// Open opens (creating if necessary) the storage manager rooted at dir.
func Open(dir string) (*Manager, error) {
	opts := nutsdb.DefaultOptions
	opts.Dir = dir
	opts.EntryIdxMode = nutsdb.HintKeyValAndRAMIdxMode
	opts.SegmentSize = 64 * 1024 * 1024

	db, err := nutsdb.Open(opts)
	if err != nil {
		return nil, vexerr.IOError(err, "open storage directory %s", dir)
	}
	return &Manager{db: db}, nil
}

func bucketName(collection string) string {
	return collection + bucketSuffix
}

// EnsureCollection creates the bucket backing collection, if absent.
func (m *Manager) EnsureCollection(collection string) error {
	bucket := bucketName(collection)
	err := m.db.Update(func(tx *nutsdb.Tx) error {
		if tx.ExistBucket(nutsdb.DataStructureBTree, bucket) {
			return nil
		}
		return tx.NewBucket(nutsdb.DataStructureBTree, bucket)
	})
	if err != nil {
		return vexerr.IOError(err, "create bucket for collection %s", collection)
	}
	return nil
}

// DropCollection deletes every key in collection's bucket.
func (m *Manager) DropCollection(collection string) error {
	bucket := bucketName(collection)
	return m.db.Update(func(tx *nutsdb.Tx) error {
		if !tx.ExistBucket(nutsdb.DataStructureBTree, bucket) {
			return nil
		}
		keys, _, err := tx.GetAll(bucket)
		if err != nil {
			if err == nutsdb.ErrKeyNotFound {
				return nil
			}
			return err
		}
		for _, k := range keys {
			if err := tx.Delete(bucket, k); err != nil && err != nutsdb.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

// Validate checks a vector against a collection's configured dimension
// and finiteness, before any WAL activity for it (spec.md §4.3).
func Validate(vector []float32, dim int) error {
	if len(vector) != dim {
		return vexerr.DimMismatch(len(vector), dim)
	}
	if !common.IsFinite(vector) {
		return vexerr.InvalidArgument("vector contains NaN or infinite components")
	}
	return nil
}

// Put writes (or overwrites) a vector record. version must be supplied
// by the caller (the bridge layer sets it to the previous stored
// version plus one) so the
// storage layer stays oblivious to the WAL.
func (m *Manager) Put(collection string, rec Record) error {
	bucket := bucketName(collection)
	payload, err := json.Marshal(rec)
	if err != nil {
		return vexerr.Internal(err, "marshal record for vector %d", rec.VectorID)
	}
	key := encodeID(rec.VectorID)
	err = m.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucket, key, payload, 0)
	})
	if err != nil {
		return vexerr.IOError(err, "put vector %d in collection %s", rec.VectorID, collection)
	}
	return nil
}

// Get retrieves one vector record. Returns vexerr.NotFound if absent.
func (m *Manager) Get(collection string, id uint64) (Record, error) {
	bucket := bucketName(collection)
	var payload []byte
	err := m.db.View(func(tx *nutsdb.Tx) error {
		entry, err := tx.Get(bucket, encodeID(id))
		if err != nil {
			return err
		}
		payload = entry
		return nil
	})
	if err != nil {
		if err == nutsdb.ErrKeyNotFound {
			return Record{}, vexerr.NotFound("vector %d not found in collection %s", id, collection)
		}
		return Record{}, vexerr.IOError(err, "get vector %d in collection %s", id, collection)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, vexerr.Corruption(err, "decode stored record for vector %d", id)
	}
	return rec, nil
}

// MultiGet retrieves several records in one transaction, in the order of
// ids. Missing ids are simply omitted from the result.
func (m *Manager) MultiGet(collection string, ids []uint64) ([]Record, error) {
	bucket := bucketName(collection)
	out := make([]Record, 0, len(ids))
	err := m.db.View(func(tx *nutsdb.Tx) error {
		for _, id := range ids {
			entry, err := tx.Get(bucket, encodeID(id))
			if err != nil {
				if err == nutsdb.ErrKeyNotFound {
					continue
				}
				return err
			}
			var rec Record
			if err := json.Unmarshal(entry, &rec); err != nil {
				return fmt.Errorf("decode vector %d: %w", id, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, vexerr.IOError(err, "multi-get in collection %s", collection)
	}
	return out, nil
}

// Delete removes a vector record. It is not an error to delete an id
// that is not present (idempotent, for WAL replay).
func (m *Manager) Delete(collection string, id uint64) error {
	bucket := bucketName(collection)
	err := m.db.Update(func(tx *nutsdb.Tx) error {
		err := tx.Delete(bucket, encodeID(id))
		if err == nutsdb.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return vexerr.IOError(err, "delete vector %d in collection %s", id, collection)
	}
	return nil
}

// Iterate yields every record in a collection's bucket, in key (and
// therefore vector-id) order — used by the reconciliation pass (§4.5)
// and by engine recovery.
func (m *Manager) Iterate(collection string) (iter.Seq[KVPair], error) {
	bucket := bucketName(collection)
	var keys, values [][]byte
	err := m.db.View(func(tx *nutsdb.Tx) error {
		if !tx.ExistBucket(nutsdb.DataStructureBTree, bucket) {
			return nil
		}
		var err error
		keys, values, err = tx.GetAll(bucket)
		if err == nutsdb.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, vexerr.IOError(err, "iterate collection %s", collection)
	}

	return func(yield func(KVPair) bool) {
		for i, k := range keys {
			var rec Record
			if json.Unmarshal(values[i], &rec) != nil {
				continue
			}
			if !yield(KVPair{VectorID: decodeID(k), Record: rec}) {
				return
			}
		}
	}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}

func encodeID(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func decodeID(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}
