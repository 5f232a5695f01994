// Package proof checks a CSV export of the event log hash chain offline.
//
// The export is the event_log_proof_export_v view: seq, prev_hash_hex, hash_hex,
// payload_canonical. For every row:
//
//	hash = sha256(prev_hash_hex || payload_canonical)
//
// and prev_hash_hex equals the previous row's hash_hex. The first row links to 32 zero bytes.
package proof

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gowebpki/jcs"
)

var (
	ErrMalformed = errors.New("malformed export")
	ErrChain     = errors.New("chain verification failed")
)

var genesisHex = strings.Repeat("00", sha256.Size)

type Result struct {
	Rows int
	Head string
}

func chainHash(prevHex, payloadCanonical string) string {
	sum := sha256.Sum256([]byte(prevHex + payloadCanonical))
	return hex.EncodeToString(sum[:])
}

func normHex(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	if len(b) != sha256.Size {
		return "", fmt.Errorf("want %d bytes, got %d", sha256.Size, len(b))
	}
	return s, nil
}

// Verify reads the export from r and checks it ends at expectedHead.
func Verify(r io.Reader, expectedHead string) (Result, error) {
	head, err := normHex(expectedHead)
	if err != nil {
		return Result{}, fmt.Errorf("%w: expected head: %v", ErrMalformed, err)
	}

	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return Result{}, fmt.Errorf("%w: read header: %v", ErrMalformed, err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, need := range []string{"seq", "prev_hash_hex", "hash_hex", "payload_canonical"} {
		if _, ok := col[need]; !ok {
			return Result{}, fmt.Errorf("%w: missing column %s", ErrMalformed, need)
		}
	}

	var (
		lineNo = 1
		prev   = genesisHex
		rows   int
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			return Result{}, fmt.Errorf("%w: line %d: %v", ErrMalformed, lineNo, err)
		}
		if len(rec) < len(header) {
			return Result{}, fmt.Errorf("%w: line %d: short record", ErrMalformed, lineNo)
		}

		seq := rec[col["seq"]]
		prevHex, err := normHex(rec[col["prev_hash_hex"]])
		if err != nil {
			return Result{}, fmt.Errorf("%w: line %d: prev_hash_hex: %v", ErrMalformed, lineNo, err)
		}
		hashHex, err := normHex(rec[col["hash_hex"]])
		if err != nil {
			return Result{}, fmt.Errorf("%w: line %d: hash_hex: %v", ErrMalformed, lineNo, err)
		}
		payload := rec[col["payload_canonical"]]

		if prevHex != prev {
			return Result{}, fmt.Errorf("%w: prev_hash mismatch at seq=%s line=%d: expected=%s got=%s",
				ErrChain, seq, lineNo, prev, prevHex)
		}
		canon, err := jcs.Transform([]byte(payload))
		if err != nil || string(canon) != payload {
			return Result{}, fmt.Errorf("%w: payload not canonical at seq=%s line=%d", ErrChain, seq, lineNo)
		}
		if want := chainHash(prevHex, payload); want != hashHex {
			return Result{}, fmt.Errorf("%w: hash mismatch at seq=%s line=%d: expected=%s got=%s",
				ErrChain, seq, lineNo, want, hashHex)
		}

		prev = hashHex
		rows++
	}

	if rows == 0 {
		return Result{}, fmt.Errorf("%w: empty export", ErrChain)
	}
	if head != prev {
		return Result{}, fmt.Errorf("%w: head hash mismatch: expected=%s got=%s", ErrChain, head, prev)
	}
	return Result{Rows: rows, Head: prev}, nil
}
