package wal

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
)

// DumpText writes rec in a human-readable, one-line CSV-like form, used
// by cmd/wal_converter to print a WAL as text. It is
// not read back; the binary framing in record.go is the only format the
// WAL itself parses.
func DumpText(w io.Writer, rec *Record) error {
	vecBits := make([]byte, 4*len(rec.Vector))
	for i, v := range rec.Vector {
		binary.BigEndian.PutUint32(vecBits[i*4:], math.Float32bits(v))
	}
	vecB64 := base64.StdEncoding.EncodeToString(vecBits)

	docJSON, err := json.Marshal(rec.Doc)
	if err != nil {
		return fmt.Errorf("wal: marshal doc for dump: %w", err)
	}
	attrJSON, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("wal: marshal attributes for dump: %w", err)
	}

	escape := func(s string) string {
		s = strings.ReplaceAll(s, `"`, `\"`)
		return strings.ReplaceAll(s, "\n", `\n`)
	}

	_, err = fmt.Fprintf(w, "%d,%s,%s,%d,%s,\"%s\",\"%s\"\n",
		rec.LSN, rec.Op, rec.Collection, rec.VectorID, vecB64, escape(string(docJSON)), escape(string(attrJSON)))
	return err
}
