// Package engine implements the public facade spec.md §4.7 exposes to
// dialects: create_collection, delete_collection, list_collections,
// add_documents, query, get_point, delete_points. It owns one
// bridge.Bridge (and therefore one WAL + storage manager + index) per
// collection and performs the startup recovery sequence from spec.md
// §4.5. Grounded on kungtalon-vecdb-go/internal/vecdb/db.go, generalized
// from the teacher's single fixed-path database to a directory of
// independently created/destroyed collections, and from the teacher's
// eager WAL-then-sync model to the always-durable bridge write barrier.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"vexfs/internal/bridge"
	"vexfs/internal/common"
	"vexfs/internal/filter"
	"vexfs/internal/hangprevention"
	"vexfs/internal/index"
	"vexfs/internal/snapshot"
	"vexfs/internal/storage"
	"vexfs/internal/vexerr"
	"vexfs/internal/wal"
)

const (
	walDirName      = "wal"
	vectorsDirName  = "storage"
	snapshotDirName = "snapshots"
	metaFileName    = "meta.json"

	// reservedDocIDKey carries a document's external id inside the doc
	// payload that already flows through the WAL and storage layers, so
	// the engine's docID<->vectorID bijection (spec.md §3 "the bridge
	// maintains a bijection between document-id and vector-id") can be
	// rebuilt on restart without a separate index file.
	reservedDocIDKey = "__vexfs_doc_id"

	snapshotsToKeep = 3
)

// DocumentInput is one caller-supplied document for add_documents.
type DocumentInput struct {
	ID         string
	Vector     []float32
	Payload    common.DocMap
	Attributes common.DocMap
}

// Document is one stored document as returned by get_point.
type Document struct {
	ID         string
	Vector     []float32
	Payload    common.DocMap
	Attributes common.DocMap
	Version    uint64
}

// QueryResult is one ranked hit from query, sorted ascending by Distance;
// equal distances keep the index's ascending vector-id order (spec.md §4.7).
type QueryResult struct {
	ID       string
	Distance float32
	Payload  common.DocMap
}

// Predicate re-exports filter.Predicate so dialect code need only import
// this package for query filtering.
type Predicate = filter.Predicate

// collection bundles one collection's storage, WAL, index, and the
// docID<->vectorID bijection the bridge's vector-id-only API doesn't
// track itself.
type collection struct {
	name string
	cfg  common.CollectionConfig
	dir  string

	w     *wal.WAL
	store *storage.Manager
	br    *bridge.Bridge

	nextVectorID atomic.Uint64

	mu          sync.RWMutex
	docToVec    map[string]uint64
	vecToDoc    map[uint64]string
	allIDs      *roaring.Bitmap
	attrIndex   *filter.AttributeIndex
	stopRebuild chan struct{}
}

// Engine is the process-wide facade: one per data directory (spec.md §9
// "the engine is a singleton keyed by data directory").
type Engine struct {
	baseDir string
	monitor *hangprevention.Monitor

	mu          sync.RWMutex
	collections map[string]*collection
}

// Open recovers every collection found under baseDir (each a
// subdirectory carrying a meta.json) and returns a ready Engine. A fresh
// baseDir with no subdirectories yields an empty, ready Engine.
func Open(baseDir string, monitor *hangprevention.Monitor) (*Engine, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, vexerr.IOError(err, "create data directory %s", baseDir)
	}

	eng := &Engine{baseDir: baseDir, monitor: monitor, collections: make(map[string]*collection)}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, vexerr.IOError(err, "read data directory %s", baseDir)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metaPath := filepath.Join(baseDir, e.Name(), metaFileName)
		data, err := os.ReadFile(metaPath)
		if os.IsNotExist(err) {
			continue // not a collection directory
		}
		if err != nil {
			return nil, vexerr.IOError(err, "read %s", metaPath)
		}
		var cfg common.CollectionConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, vexerr.Corruption(err, "decode %s", metaPath)
		}
		col, err := recoverCollection(filepath.Join(baseDir, e.Name()), cfg)
		if err != nil {
			return nil, fmt.Errorf("engine: recover collection %s: %w", cfg.Name, err)
		}
		eng.collections[cfg.Name] = col
	}
	return eng, nil
}

// withDocID returns a copy of doc with the external document id stamped
// in under reservedDocIDKey, so WAL records and storage records alone are
// enough to rebuild the docID<->vectorID bijection on recovery.
func withDocID(doc common.DocMap, docID string) common.DocMap {
	out := make(common.DocMap, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out[reservedDocIDKey] = docID
	return out
}

func extractDocID(doc common.DocMap, fallback uint64) string {
	if doc == nil {
		return fmt.Sprintf("%d", fallback)
	}
	if v, ok := doc[reservedDocIDKey]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fmt.Sprintf("%d", fallback)
}

func stripDocID(doc common.DocMap) common.DocMap {
	if doc == nil {
		return common.DocMap{}
	}
	out := make(common.DocMap, len(doc))
	for k, v := range doc {
		if k == reservedDocIDKey {
			continue
		}
		out[k] = v
	}
	return out
}

// CreateCollection implements create_collection.
func (e *Engine) CreateCollection(cfg common.CollectionConfig) error {
	if cfg.Name == "" {
		return vexerr.InvalidArgument("collection name must not be empty")
	}
	if cfg.Dim <= 0 {
		return vexerr.InvalidArgument("collection dimension must be positive")
	}

	w, err := e.monitor.Start(hangprevention.KindWrite)
	if err != nil {
		return err
	}
	defer w.Cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.collections[cfg.Name]; exists {
		return vexerr.AlreadyExists("collection %q already exists", cfg.Name)
	}

	dir := filepath.Join(e.baseDir, cfg.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return vexerr.IOError(err, "create collection directory %s", dir)
	}

	metaBytes, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return vexerr.Internal(err, "marshal collection config")
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), metaBytes, 0o644); err != nil {
		return vexerr.IOError(err, "write %s", metaFileName)
	}

	col, err := openFreshCollection(dir, cfg)
	if err != nil {
		return err
	}

	cfgDoc, err := toDocMap(cfg)
	if err != nil {
		return vexerr.Internal(err, "encode collection config for WAL")
	}
	if _, err := col.w.Append(&wal.Record{Op: wal.OpCreateCollection, Collection: cfg.Name, Doc: cfgDoc}); err != nil {
		return vexerr.IOError(err, "WAL-log collection creation for %s", cfg.Name)
	}

	e.collections[cfg.Name] = col
	return nil
}

func toDocMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteCollection implements delete_collection.
func (e *Engine) DeleteCollection(name string) error {
	w, err := e.monitor.Start(hangprevention.KindWrite)
	if err != nil {
		return err
	}
	defer w.Cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	col, ok := e.collections[name]
	if !ok {
		return vexerr.NotFound("collection %q not found", name)
	}

	if _, err := col.w.Append(&wal.Record{Op: wal.OpDeleteCollection, Collection: name}); err != nil {
		return vexerr.IOError(err, "WAL-log collection deletion for %s", name)
	}
	// Removing name from e.collections before Close ever sees it again is
	// what keeps this the only close of col.stopRebuild: Close iterates
	// e.collections directly, so a collection dropped here is skipped.
	close(col.stopRebuild)
	_ = col.store.DropCollection(name)
	_ = col.store.Close()
	_ = col.w.Close()

	delete(e.collections, name)
	if err := os.RemoveAll(col.dir); err != nil {
		return vexerr.IOError(err, "remove collection directory %s", col.dir)
	}
	return nil
}

// ListCollections implements list_collections.
func (e *Engine) ListCollections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CollectionConfig returns a collection's immutable configuration, for
// dialects that echo dimension/distance/strategy back to callers.
func (e *Engine) CollectionConfig(name string) (common.CollectionConfig, error) {
	col, err := e.getCollection(name)
	if err != nil {
		return common.CollectionConfig{}, err
	}
	return col.cfg, nil
}

func (e *Engine) getCollection(name string) (*collection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	col, ok := e.collections[name]
	if !ok {
		return nil, vexerr.NotFound("collection %q not found", name)
	}
	return col, nil
}

// AddDocuments implements add_documents: each input is upserted through
// the collection's bridge; an id already seen for this collection is
// treated as an update (same vector id, version bumped by the bridge).
//
// For an HNSW collection, every document's index insert is itself a
// graph-construction build (spec.md §4.1's Kind Build): each one is
// wrapped in its own Build watchdog, distinct from the Kind Write
// watchdog covering the overall call, so a slow ef_construction search
// reports its own *Timeout* and accumulates toward the
// consecutive-Build-timeout degradation threshold independently of
// ordinary write traffic.
func (e *Engine) AddDocuments(collectionName string, docs []DocumentInput) (int, error) {
	w, err := e.monitor.Start(hangprevention.KindWrite)
	if err != nil {
		return 0, err
	}
	defer w.Cancel()

	col, err := e.getCollection(collectionName)
	if err != nil {
		return 0, err
	}
	isHNSW := col.cfg.IndexType == common.IndexTypeHNSW

	inserted := 0
	for _, d := range docs {
		if len(d.Vector) != col.cfg.Dim {
			return inserted, vexerr.DimMismatch(len(d.Vector), col.cfg.Dim)
		}

		col.mu.Lock()
		vecID, existing := col.docToVec[d.ID]
		if !existing {
			vecID = col.nextVectorID.Add(1) - 1
		}
		col.mu.Unlock()

		var bw *hangprevention.Watchdog
		if isHNSW {
			bw, err = e.monitor.Start(hangprevention.KindBuild)
			if err != nil {
				return inserted, err
			}
		}

		doc := withDocID(d.Payload, d.ID)
		upsertErr := col.br.Upsert(vecID, d.Vector, doc, d.Attributes, bw)
		if bw != nil {
			bw.Cancel()
		}
		if upsertErr != nil {
			return inserted, upsertErr
		}

		col.mu.Lock()
		col.docToVec[d.ID] = vecID
		col.vecToDoc[vecID] = d.ID
		col.allIDs.Add(uint32(vecID))
		indexAttributes(col.attrIndex, d.Attributes, vecID)
		col.mu.Unlock()

		inserted++
	}
	return inserted, nil
}

func indexAttributes(idx *filter.AttributeIndex, attrs common.DocMap, id uint64) {
	for key, value := range attrs {
		if iv, ok := toInt64(value); ok {
			idx.Upsert(key, iv, id)
		}
	}
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		if t == float64(int64(t)) {
			return int64(t), true
		}
	}
	return 0, false
}

// Query implements query: k nearest vectors by the collection's
// configured distance, optionally narrowed by attribute predicates,
// translated from vector ids back to document ids.
func (e *Engine) Query(collectionName string, vector []float32, k int, predicates []Predicate) ([]QueryResult, error) {
	w, err := e.monitor.Start(hangprevention.KindSearch)
	if err != nil {
		return nil, err
	}
	defer w.Cancel()

	col, err := e.getCollection(collectionName)
	if err != nil {
		return nil, err
	}
	if len(vector) != col.cfg.Dim {
		return nil, vexerr.DimMismatch(len(vector), col.cfg.Dim)
	}

	var idFilter *filter.IDFilter
	if len(predicates) > 0 {
		col.mu.RLock()
		candidates := col.allIDs.Clone()
		attrIndex := col.attrIndex
		col.mu.RUnlock()
		for _, pred := range predicates {
			candidates = attrIndex.Apply(pred, candidates)
		}
		idFilter = filter.ToFilter(candidates)
	}

	efSearch := 0
	if col.cfg.HNSW != nil {
		efSearch = col.cfg.HNSW.EFSearch
	}

	result, err := col.br.Index().Search(vector, k, index.SearchOptions{EFSearch: efSearch, Filter: idFilter})
	if err != nil {
		return nil, err
	}

	out := make([]QueryResult, 0, len(result.IDs))
	for i, vecID := range result.IDs {
		col.mu.RLock()
		docID, ok := col.vecToDoc[vecID]
		col.mu.RUnlock()
		if !ok {
			continue
		}
		rec, err := col.store.Get(collectionName, vecID)
		var payload common.DocMap
		if err == nil {
			payload = stripDocID(rec.Doc)
		}
		out = append(out, QueryResult{ID: docID, Distance: result.Distances[i], Payload: payload})
	}
	return out, nil
}

// GetPoint implements get_point.
func (e *Engine) GetPoint(collectionName, docID string) (Document, error) {
	w, err := e.monitor.Start(hangprevention.KindRead)
	if err != nil {
		return Document{}, err
	}
	defer w.Cancel()

	col, err := e.getCollection(collectionName)
	if err != nil {
		return Document{}, err
	}

	col.mu.RLock()
	vecID, ok := col.docToVec[docID]
	col.mu.RUnlock()
	if !ok {
		return Document{}, vexerr.NotFound("document %q not found in collection %s", docID, collectionName)
	}

	rec, err := col.store.Get(collectionName, vecID)
	if err != nil {
		return Document{}, err
	}
	return Document{
		ID:         docID,
		Vector:     rec.Vector,
		Payload:    stripDocID(rec.Doc),
		Attributes: rec.Attributes,
		Version:    rec.Version,
	}, nil
}

// DeletePoints implements delete_points.
func (e *Engine) DeletePoints(collectionName string, docIDs []string) (int, error) {
	w, err := e.monitor.Start(hangprevention.KindWrite)
	if err != nil {
		return 0, err
	}
	defer w.Cancel()

	col, err := e.getCollection(collectionName)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, docID := range docIDs {
		col.mu.RLock()
		vecID, ok := col.docToVec[docID]
		col.mu.RUnlock()
		if !ok {
			continue
		}

		rec, getErr := col.store.Get(collectionName, vecID)

		if err := col.br.Delete(vecID); err != nil {
			return deleted, err
		}

		col.mu.Lock()
		delete(col.docToVec, docID)
		delete(col.vecToDoc, vecID)
		col.allIDs.Remove(uint32(vecID))
		if getErr == nil {
			for key, value := range rec.Attributes {
				if iv, ok := toInt64(value); ok {
					col.attrIndex.Remove(key, iv, vecID)
				}
			}
		}
		col.mu.Unlock()
		deleted++
	}
	return deleted, nil
}

// SyncStatus returns the bridge's sync_status observation for a collection.
func (e *Engine) SyncStatus(collectionName string) (bridge.SyncStatus, error) {
	col, err := e.getCollection(collectionName)
	if err != nil {
		return bridge.SyncStatus{}, err
	}
	return col.br.Status(), nil
}

// Checkpoint snapshots a collection's current index state and prunes old
// snapshots, for periodic background checkpointing.
func (e *Engine) Checkpoint(collectionName string) error {
	col, err := e.getCollection(collectionName)
	if err != nil {
		return err
	}
	snapDir := filepath.Join(col.dir, snapshotDirName)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return vexerr.IOError(err, "create snapshot directory for %s", collectionName)
	}
	// Head is the next LSN to be assigned; the snapshot covers every
	// record before it.
	if _, err := snapshot.Write(snapDir, collectionName, col.br.Index(), col.w.Head()-1); err != nil {
		return err
	}
	return snapshot.Prune(snapDir, collectionName, snapshotsToKeep)
}

// Close shuts down every collection's WAL and storage handles. Safe to
// call exactly once: a collection removed by DeleteCollection is no
// longer in e.collections, so its stopRebuild channel is never closed
// twice.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, col := range e.collections {
		close(col.stopRebuild)
		if err := col.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := col.w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func openFreshCollection(dir string, cfg common.CollectionConfig) (*collection, error) {
	return openCollection(dir, cfg, true)
}

func recoverCollection(dir string, cfg common.CollectionConfig) (*collection, error) {
	return openCollection(dir, cfg, false)
}

// openCollection implements the startup recovery sequence from spec.md
// §4.5: load the newest valid snapshot (if any), replay the WAL from
// snapshot.LSN+1 into storage, reconcile the index against storage, and
// only then rebuild the in-memory docID<->vectorID bijection from
// storage's authoritative state. For a brand-new collection (fresh=true)
// there is nothing to recover — every step below is then a no-op.
func openCollection(dir string, cfg common.CollectionConfig, fresh bool) (*collection, error) {
	walDir := filepath.Join(dir, walDirName)
	vecDir := filepath.Join(dir, vectorsDirName)
	snapDir := filepath.Join(dir, snapshotDirName)

	w, err := wal.Open(walDir)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	store, err := storage.Open(vecDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := store.EnsureCollection(cfg.Name); err != nil {
		return nil, err
	}

	idx, err := index.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("construct index: %w", err)
	}

	var replayFrom uint64
	if !fresh {
		header, body, err := snapshot.LoadNewestValid(snapDir, cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		if header != nil {
			if err := idx.Deserialize(body); err != nil {
				return nil, fmt.Errorf("restore index from snapshot: %w", err)
			}
			replayFrom = header.LSN + 1
		}

		if err := w.Replay(replayFrom, func(rec *wal.Record) error {
			switch rec.Op {
			case wal.OpInsert, wal.OpUpdate:
				version := uint64(1)
				if prev, err := store.Get(cfg.Name, rec.VectorID); err == nil {
					version = prev.Version + 1
				}
				return store.Put(cfg.Name, storage.Record{
					VectorID:   rec.VectorID,
					Vector:     rec.Vector,
					Doc:        rec.Doc,
					Attributes: rec.Attributes,
					Version:    version,
				})
			case wal.OpDelete:
				return store.Delete(cfg.Name, rec.VectorID)
			default:
				return nil // collection lifecycle ops carry no per-vector state to reapply
			}
		}); err != nil {
			return nil, fmt.Errorf("replay wal: %w", err)
		}
	}

	br := bridge.New(cfg.Name, cfg.Dim, w, store, idx)

	col := &collection{
		name:        cfg.Name,
		cfg:         cfg,
		dir:         dir,
		w:           w,
		store:       store,
		br:          br,
		docToVec:    make(map[string]uint64),
		vecToDoc:    make(map[uint64]string),
		allIDs:      roaring.New(),
		attrIndex:   filter.NewAttributeIndex(),
		stopRebuild: make(chan struct{}),
	}

	if !fresh {
		if _, _, err := br.Reconcile(); err != nil {
			return nil, fmt.Errorf("reconcile index against storage: %w", err)
		}
	}

	it, err := store.Iterate(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("iterate storage for bijection rebuild: %w", err)
	}
	var maxVecID uint64
	for pair := range it {
		docID := extractDocID(pair.Record.Doc, pair.VectorID)
		col.docToVec[docID] = pair.VectorID
		col.vecToDoc[pair.VectorID] = docID
		col.allIDs.Add(uint32(pair.VectorID))
		indexAttributes(col.attrIndex, pair.Record.Attributes, pair.VectorID)
		if pair.VectorID >= maxVecID {
			maxVecID = pair.VectorID + 1
		}
	}
	col.nextVectorID.Store(maxVecID)

	go br.RunRebuildLoop(col.stopRebuild)

	return col, nil
}
