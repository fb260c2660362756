// Package bridge implements the storage<->index write path from spec.md
// §4.6: every mutation appends to the WAL first, then lands in the
// vector storage manager, and only then is applied to the ANN index —
// best-effort, since a failed index update must not roll back a
// successful, already-durable write. Modeled on the three-phase
// (scalar -> filter -> vector index) apply order in
// kungtalon-vecdb-go/internal/persistence/persistence.go's Sync, adapted
// from a batched-WAL-replay design to a per-record online write path.
package bridge

import (
	"fmt"
	"sync"
	"time"

	"vexfs/internal/common"
	"vexfs/internal/hangprevention"
	"vexfs/internal/index"
	"vexfs/internal/storage"
	"vexfs/internal/vexerr"
	"vexfs/internal/wal"
)

// SyncStatus reports whether a collection's index fully reflects its
// storage layer, for the `sync_status` observation spec.md §4.6 requires.
type SyncStatus struct {
	IsSynchronized bool
	PendingOps     int
	LastError      string
}

// Bridge owns one collection's WAL append + storage write + index insert
// pipeline. The index handle is swappable (ReplaceIndex replaces it
// wholesale), so it's guarded by its own mutex rather than
// being passed in on every call.
type Bridge struct {
	collection string
	dim        int
	w          *wal.WAL
	store      *storage.Manager

	mu          sync.RWMutex
	idx         index.Index
	pending     map[uint64]struct{}
	lastErr     error
	rebuildChan chan struct{}
}

// New constructs a Bridge for an already-open WAL and storage manager,
// with idx as the collection's current (already-restored, if applicable)
// index.
func New(collection string, dim int, w *wal.WAL, store *storage.Manager, idx index.Index) *Bridge {
	return &Bridge{
		collection:  collection,
		dim:         dim,
		w:           w,
		store:       store,
		idx:         idx,
		pending:     make(map[uint64]struct{}),
		rebuildChan: make(chan struct{}, 1),
	}
}

// Upsert runs the full write barrier for one vector: WAL append (fsynced
// before this call returns), then storage write, then index insert. The
// index insert is best-effort: if it fails, the vector is marked pending
// for background rebuild and Upsert still returns success, since the
// write itself is durable and queryable via Get even before the index
// catches up.
//
// bw is the Kind Build watchdog governing the index-insert step, or nil
// if the caller isn't tracking one (e.g. a non-HNSW collection, or the
// background rebuild/reconcile paths, which aren't on a client deadline).
// When the index strategy supports mid-build cancellation and bw's
// deadline fires before the insert finishes, the vector is still marked
// pending for rebuild, but Upsert returns a *Timeout* error rather than
// silently swallowing it, since the caller started a Build operation
// that is expected to report its own timeout (spec.md §4.1, §5).
func (b *Bridge) Upsert(id uint64, vector []float32, doc, attributes common.DocMap, bw *hangprevention.Watchdog) error {
	if err := storage.Validate(vector, b.dim); err != nil {
		return err
	}

	op := wal.OpInsert
	version := uint64(1)
	if prev, err := b.store.Get(b.collection, id); err == nil {
		op = wal.OpUpdate
		version = prev.Version + 1
	}

	_, err := b.w.Append(&wal.Record{
		Op:         op,
		Collection: b.collection,
		VectorID:   id,
		Vector:     vector,
		Doc:        doc,
		Attributes: attributes,
	})
	if err != nil {
		return vexerr.IOError(err, "append WAL record for vector %d", id)
	}

	if err := b.store.Put(b.collection, storage.Record{
		VectorID:   id,
		Vector:     vector,
		Doc:        doc,
		Attributes: attributes,
		Version:    version,
	}); err != nil {
		return vexerr.IOError(err, "write vector %d to storage", id)
	}

	b.mu.Lock()
	var insertErr error
	if canceler, ok := b.idx.(index.BuildCanceler); ok && bw != nil {
		insertErr = canceler.InsertWithCancel(id, vector, bw.Done())
	} else {
		insertErr = b.idx.Insert(id, vector)
	}
	timedOut := bw != nil && bw.TimedOut()
	if insertErr != nil {
		b.pending[id] = struct{}{}
		b.lastErr = insertErr
	} else {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if insertErr != nil {
		b.requestRebuild()
	}
	if timedOut {
		return vexerr.Timeout("index build for vector %d did not finish before the watchdog deadline", id)
	}
	return nil
}

// Delete runs the write barrier for a deletion: WAL append, storage
// delete, best-effort index delete.
func (b *Bridge) Delete(id uint64) error {
	if _, err := b.w.Append(&wal.Record{Op: wal.OpDelete, Collection: b.collection, VectorID: id}); err != nil {
		return vexerr.IOError(err, "append WAL delete record for vector %d", id)
	}
	if err := b.store.Delete(b.collection, id); err != nil {
		return vexerr.IOError(err, "delete vector %d from storage", id)
	}

	b.mu.Lock()
	if err := b.idx.Delete(id); err != nil {
		b.pending[id] = struct{}{}
		b.lastErr = err
	} else {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	return nil
}

// requestRebuild signals the background rebuild loop, without blocking if
// one is already queued.
func (b *Bridge) requestRebuild() {
	select {
	case b.rebuildChan <- struct{}{}:
	default:
	}
}

// RunRebuildLoop retries every pending vector's index insert from the
// storage layer on each rebuild request and every 5 seconds, until done
// is closed. Intended to run as a single background goroutine per
// collection; started by the engine facade.
func (b *Bridge) RunRebuildLoop(done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-b.rebuildChan:
			b.rebuildPending()
		case <-ticker.C:
			b.rebuildPending()
		}
	}
}

func (b *Bridge) rebuildPending() {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		rec, err := b.store.Get(b.collection, id)
		if err != nil {
			continue // deleted since marked pending; drop silently
		}
		b.mu.Lock()
		err = b.idx.Insert(id, rec.Vector)
		if err == nil {
			delete(b.pending, id)
		} else {
			b.lastErr = err
		}
		b.mu.Unlock()
	}
}

// Status returns the current sync_status observation.
func (b *Bridge) Status() SyncStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	status := SyncStatus{IsSynchronized: len(b.pending) == 0, PendingOps: len(b.pending)}
	if b.lastErr != nil {
		status.LastError = b.lastErr.Error()
	}
	return status
}

// Index returns the current index handle, for Search and Checkpoint
// callers that need direct access.
func (b *Bridge) Index() index.Index {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.idx
}

// ReplaceIndex installs idx as the collection's index, e.g. after loading
// a snapshot during recovery. Any previously pending ids are retained,
// since they describe storage-vs-index divergence that the snapshot
// being loaded may or may not have captured.
func (b *Bridge) ReplaceIndex(idx index.Index) {
	b.mu.Lock()
	b.idx = idx
	b.mu.Unlock()
}

// Reconcile implements the post-recovery reconciliation pass from
// spec.md §4.5: it walks every stored vector, drops index entries that
// have no backing storage record (orphans — e.g. a snapshot restored
// from before a delete was replayed into storage only, per
// openCollection's storage-only WAL replay), and inserts every stored
// record not marked pending straight into the index; enqueued counts
// those successful inserts. Pending ids that still have a storage record
// stay pending for RunRebuildLoop.
func (b *Bridge) Reconcile() (dropped, enqueued int, err error) {
	it, iterErr := b.store.Iterate(b.collection)
	if iterErr != nil {
		return 0, 0, fmt.Errorf("bridge: iterate storage for reconciliation: %w", iterErr)
	}

	storedIDs := make(map[uint64]struct{})
	for pair := range it {
		storedIDs[pair.VectorID] = struct{}{}
		b.mu.Lock()
		if _, ok := b.pending[pair.VectorID]; !ok {
			if insertErr := b.idx.Insert(pair.VectorID, pair.Record.Vector); insertErr == nil {
				enqueued++ // counts as "made consistent", whether it was missing or already present
			}
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	// Drop every index entry storage no longer backs: covers both ids the
	// index actually holds and ids only marked pending (never made it
	// into the index at all).
	for _, id := range b.idx.Ids() {
		if _, ok := storedIDs[id]; !ok {
			_ = b.idx.Delete(id)
			delete(b.pending, id)
			dropped++
		}
	}
	for id := range b.pending {
		if _, ok := storedIDs[id]; !ok {
			_ = b.idx.Delete(id)
			delete(b.pending, id)
			dropped++
		}
	}
	b.mu.Unlock()

	return dropped, enqueued, nil
}
