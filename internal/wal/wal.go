package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// MaxSegmentBytes is the rollover threshold for a single segment file,
// per spec.md §4.2 ("segments roll over at 64MiB").
const MaxSegmentBytes = 64 * 1024 * 1024

// WAL is a segmented, append-only log rooted at a directory. Segment
// files are named seg-<firstLSN>.log and are never modified once closed
// for writing, so replay can stream them in filename order.
type WAL struct {
	dir string

	mu        sync.Mutex
	file      *os.File
	bw        *bufio.Writer
	segFirst  uint64 // first LSN written to the currently open segment
	segBytes  int64
	nextLSN   atomic.Uint64
}

// Open opens (creating if necessary) the WAL rooted at dir, positioning
// the append cursor after the newest segment's last record and priming
// nextLSN from the highest LSN observed across every segment.
func Open(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", dir, err)
	}

	w := &WAL{dir: dir}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	var maxLSN uint64
	for _, name := range segments {
		segMax, err := w.scanSegmentMaxLSN(name)
		if err != nil {
			return nil, err
		}
		if segMax > maxLSN {
			maxLSN = segMax
		}
	}
	w.nextLSN.Store(maxLSN + 1)

	if err := w.openTailSegment(segments); err != nil {
		return nil, err
	}
	return w, nil
}

func segmentPath(dir string, firstLSN uint64) string {
	return filepath.Join(dir, fmt.Sprintf("seg-%020d.log", firstLSN))
}

func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "seg-") && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func segmentFirstLSN(name string) (uint64, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "seg-"), ".log")
	return strconv.ParseUint(trimmed, 10, 64)
}

func (w *WAL) scanSegmentMaxLSN(name string) (uint64, error) {
	f, err := os.Open(filepath.Join(w.dir, name))
	if err != nil {
		return 0, fmt.Errorf("wal: open %s: %w", name, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var max uint64
	for {
		rec, err := decodeRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// A torn tail in the newest segment is expected after a
			// crash; stop scanning here rather than failing Open.
			break
		}
		if rec.LSN > max {
			max = rec.LSN
		}
	}
	return max, nil
}

func (w *WAL) openTailSegment(segments []string) error {
	var name string
	var first uint64
	if len(segments) == 0 {
		first = w.nextLSN.Load()
		name = segmentPath(w.dir, first)
	} else {
		last := segments[len(segments)-1]
		var err error
		first, err = segmentFirstLSN(last)
		if err != nil {
			return fmt.Errorf("wal: parse segment name %s: %w", last, err)
		}
		name = filepath.Join(w.dir, last)
	}

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment %s: %w", name, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.bw = bufio.NewWriter(f)
	w.segFirst = first
	w.segBytes = stat.Size()
	return nil
}

// Append assigns the next LSN to rec, writes the framed record, and
// fsyncs the segment before returning — the append-first durability
// barrier the storage/index write path depends on (spec.md §4.6).
func (w *WAL) Append(rec *Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec.LSN = w.nextLSN.Add(1) - 1

	var buf countingBuffer
	if err := encodeRecord(&buf, rec); err != nil {
		return 0, fmt.Errorf("wal: encode record %d: %w", rec.LSN, err)
	}

	if w.segBytes > 0 && w.segBytes+int64(buf.n) > MaxSegmentBytes {
		if err := w.rollover(rec.LSN); err != nil {
			return 0, err
		}
	}

	if _, err := w.bw.Write(buf.b); err != nil {
		return 0, fmt.Errorf("wal: write record %d: %w", rec.LSN, err)
	}
	if err := w.bw.Flush(); err != nil {
		return 0, fmt.Errorf("wal: flush record %d: %w", rec.LSN, err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("wal: fsync record %d: %w", rec.LSN, err)
	}
	w.segBytes += int64(buf.n)

	return rec.LSN, nil
}

func (w *WAL) rollover(firstLSN uint64) error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	name := segmentPath(w.dir, firstLSN)
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open new segment %s: %w", name, err)
	}
	w.file = f
	w.bw = bufio.NewWriter(f)
	w.segFirst = firstLSN
	w.segBytes = 0
	return nil
}

// Replay streams every record with LSN >= fromLSN, in LSN order, across
// every segment, invoking fn for each. Replay stops, without error, at
// the first torn or checksum-failing record it encounters — this is the
// torn-tail contract from spec.md §4.2, since only the newest segment's
// tail can be torn after a crash. fn must be idempotent: Replay gives no
// guarantee a record wasn't already applied before a prior crash.
func (w *WAL) Replay(fromLSN uint64, fn func(*Record) error) error {
	segments, err := listSegments(w.dir)
	if err != nil {
		return err
	}

	for _, name := range segments {
		if err := w.replaySegment(name, fromLSN, fn); err != nil {
			if errors.Is(err, errTornTail) {
				return nil
			}
			return err
		}
	}
	return nil
}

// errTornTail is returned by replaySegment when it stops at a torn or
// checksum-failing record, so Replay ends there without reading later
// segments.
var errTornTail = errors.New("wal: torn or corrupted record")

func (w *WAL) replaySegment(name string, fromLSN uint64, fn func(*Record) error) error {
	f, err := os.Open(filepath.Join(w.dir, name))
	if err != nil {
		return fmt.Errorf("wal: open %s for replay: %w", name, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, err := decodeRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Torn or corrupted tail: stop replay here, including for
			// any later segments; Replay reports it as a clean end.
			return errTornTail
		}
		if rec.LSN < fromLSN {
			continue
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("wal: apply record %d: %w", rec.LSN, err)
		}
	}
}

// Head returns the LSN that the next Append will assign.
func (w *WAL) Head() uint64 { return w.nextLSN.Load() }

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// countingBuffer is an io.Writer that accumulates bytes in memory so a
// record can be fully encoded (and its size known, for rollover
// decisions) before touching the segment file.
type countingBuffer struct {
	b []byte
	n int
}

func (c *countingBuffer) Write(p []byte) (int, error) {
	c.b = append(c.b, p...)
	c.n += len(p)
	return len(p), nil
}
