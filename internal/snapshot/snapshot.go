// Package snapshot implements index persistence and recovery (spec.md
// §4.5): a per-collection snapshot file capturing one ANN index's
// serialized state as of some WAL LSN, with a CRC-guarded header so a
// torn or corrupted snapshot falls back to the previous one rather than
// taking the collection down. Framing is grounded on the same
// length-prefixed, checksummed style as internal/wal/record.go and
// kungtalon-vecdb-go/internal/persistence/encoder.go.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"vexfs/internal/common"
	"vexfs/internal/index"
	"vexfs/internal/vexerr"
)

// Magic identifies a VexFS index snapshot file.
var Magic = [4]byte{'V', 'X', 'S', 'N'}

// FormatVersion is bumped whenever the header or body encoding changes
// incompatibly.
const FormatVersion uint16 = 1

// Header is the fixed-size preamble of a snapshot file, per spec.md §4.5:
//
//	magic(4B) | version(2B) | strategy-tag(1B) | reserved(1B) | LSN(8B) | CRC32(4B)
//
// CRC32 covers the body only (the index's serialized bytes); a mismatch
// or bad magic means the snapshot is unusable and the caller must fall
// back to the previous one.
type Header struct {
	Version  uint16
	Strategy common.IndexType
	LSN      uint64
}

func strategyTag(t common.IndexType) byte {
	switch t {
	case common.IndexTypeFlat:
		return 0
	case common.IndexTypeHNSW:
		return 1
	case common.IndexTypePQ:
		return 2
	case common.IndexTypeIVF:
		return 3
	case common.IndexTypeLSH:
		return 4
	default:
		return 0xFF
	}
}

func tagStrategy(tag byte) (common.IndexType, error) {
	switch tag {
	case 0:
		return common.IndexTypeFlat, nil
	case 1:
		return common.IndexTypeHNSW, nil
	case 2:
		return common.IndexTypePQ, nil
	case 3:
		return common.IndexTypeIVF, nil
	case 4:
		return common.IndexTypeLSH, nil
	default:
		return "", fmt.Errorf("snapshot: unknown strategy tag %d", tag)
	}
}

// Encode writes idx's serialized state into the full framed snapshot
// format, stamped with lsn.
func Encode(idx index.Index, lsn uint64) ([]byte, error) {
	body, err := idx.Serialize()
	if err != nil {
		return nil, fmt.Errorf("snapshot: serialize index: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(Magic[:])
	if err := binary.Write(&buf, binary.BigEndian, FormatVersion); err != nil {
		return nil, err
	}
	buf.WriteByte(strategyTag(idx.StrategyType()))
	buf.WriteByte(0) // reserved
	if err := binary.Write(&buf, binary.BigEndian, lsn); err != nil {
		return nil, err
	}
	crc := crc32.ChecksumIEEE(body)
	if err := binary.Write(&buf, binary.BigEndian, crc); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode validates and parses a snapshot file's header, returning the
// header and the still-encoded index body. It does not construct the
// Index itself — the caller knows the collection's configured strategy
// and picks the right constructor before calling body-specific
// Deserialize.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < 20 {
		return Header{}, nil, vexerr.Corruption(nil, "snapshot shorter than header (%d bytes)", len(data))
	}
	if !bytes.Equal(data[0:4], Magic[:]) {
		return Header{}, nil, vexerr.Corruption(nil, "snapshot magic mismatch")
	}
	version := binary.BigEndian.Uint16(data[4:6])
	tag := data[6]
	// data[7] reserved
	lsn := binary.BigEndian.Uint64(data[8:16])
	crc := binary.BigEndian.Uint32(data[16:20])
	body := data[20:]

	if crc32.ChecksumIEEE(body) != crc {
		return Header{}, nil, vexerr.Corruption(nil, "snapshot body CRC mismatch")
	}

	strategy, err := tagStrategy(tag)
	if err != nil {
		return Header{}, nil, vexerr.Corruption(err, "snapshot strategy tag")
	}

	return Header{Version: version, Strategy: strategy, LSN: lsn}, body, nil
}

// snapshotFileName returns collection-<lsn>.snap.
func snapshotFileName(collection string, lsn uint64) string {
	return fmt.Sprintf("%s-%020d.snap", collection, lsn)
}

// Write encodes and atomically writes a new snapshot for collection at
// lsn into dir, via a temp-file-then-rename so a crash mid-write never
// leaves a torn file at the final name (only the newest-named snapshot
// is trusted without a CRC check of its neighbors).
func Write(dir, collection string, idx index.Index, lsn uint64) (string, error) {
	data, err := Encode(idx, lsn)
	if err != nil {
		return "", err
	}
	final := filepath.Join(dir, snapshotFileName(collection, lsn))
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", vexerr.IOError(err, "write snapshot temp file for %s", collection)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", vexerr.IOError(err, "rename snapshot into place for %s", collection)
	}
	return final, nil
}

// listSnapshots returns every snapshot filename for collection, newest
// (highest LSN) first.
func listSnapshots(dir, collection string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, vexerr.IOError(err, "list snapshot directory %s", dir)
	}
	prefix := collection + "-"
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".snap") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// LoadNewestValid walks snapshots for collection from newest to oldest,
// returning the first one that decodes and CRC-checks cleanly — the
// "fall back to the previous snapshot on CRC/magic failure" contract
// from spec.md §4.5. Returns (nil header, nil body, nil error) if no
// snapshot exists at all (fresh collection, recover from WAL alone).
func LoadNewestValid(dir, collection string) (*Header, []byte, error) {
	names, err := listSnapshots(dir, collection)
	if err != nil {
		return nil, nil, err
	}

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		header, body, err := Decode(data)
		if err != nil {
			continue
		}
		return &header, body, nil
	}
	return nil, nil, nil
}

// Prune deletes every snapshot for collection older than keep the most
// recent N, so the directory doesn't grow without bound as checkpoints
// accumulate.
func Prune(dir, collection string, keep int) error {
	names, err := listSnapshots(dir, collection)
	if err != nil {
		return err
	}
	if len(names) <= keep {
		return nil
	}
	for _, name := range names[keep:] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return vexerr.IOError(err, "prune snapshot %s", name)
		}
	}
	return nil
}
