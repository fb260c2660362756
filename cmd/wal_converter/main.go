// cmd/wal_converter dumps a collection's write-ahead log to a
// human-readable text form, for offline inspection after a crash or
// before filing a corruption report. Adapted from
// kungtalon-vecdb-go/cmd/wal_converter's binary<->text conversion tool:
// the record format here has no independent text encoding to convert
// back from, so this tool only dumps (wal.DumpText is one-way, per its
// own doc comment).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"vexfs/internal/wal"
)

func main() {
	walDir := flag.String("wal-dir", "", "Path to a collection's wal/ directory (required)")
	output := flag.String("output", "", "Output file path (default: stdout)")
	fromLSN := flag.Uint64("from-lsn", 0, "Dump records starting at this LSN")
	flag.Parse()

	if *walDir == "" {
		fmt.Println("Usage: wal_converter -wal-dir <path> [-output <file>] [-from-lsn <n>]")
		fmt.Println("\nDump a VexFS collection's write-ahead log as human-readable text.")
		flag.PrintDefaults()
		os.Exit(1)
	}

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating output file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	if err := dump(*walDir, *fromLSN, out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dump(walDir string, fromLSN uint64, out *os.File) error {
	w, err := wal.Open(walDir)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer w.Close()

	writer := bufio.NewWriter(out)
	defer writer.Flush()

	count := 0
	err = w.Replay(fromLSN, func(rec *wal.Record) error {
		count++
		return wal.DumpText(writer, rec)
	})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	fmt.Fprintf(os.Stderr, "dumped %d records\n", count)
	return nil
}
