package proof

import (
	"encoding/csv"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exportRow struct {
	prev, hash, payload string
}

func buildChain(payloads ...string) []exportRow {
	rows := make([]exportRow, 0, len(payloads))
	prev := genesisHex
	for _, p := range payloads {
		h := chainHash(prev, p)
		rows = append(rows, exportRow{prev: prev, hash: h, payload: p})
		prev = h
	}
	return rows
}

func render(t *testing.T, rows []exportRow) string {
	t.Helper()
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	require.NoError(t, w.Write([]string{"seq", "prev_hash_hex", "hash_hex", "payload_canonical"}))
	for i, r := range rows {
		require.NoError(t, w.Write([]string{strconv.Itoa(i + 1), r.prev, r.hash, r.payload}))
	}
	w.Flush()
	require.NoError(t, w.Error())
	return sb.String()
}

var payloads = []string{
	`{"account":"User 1","account_id":"a"}`,
	`{"amount_cents":19900,"reservation_id":1,"target":"b"}`,
	`{"account_id":"a","reservation_ids":[1]}`,
}

func TestVerify_ValidChain(t *testing.T) {
	rows := buildChain(payloads...)

	res, err := Verify(strings.NewReader(render(t, rows)), strings.ToUpper(rows[2].hash))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, rows[2].hash, res.Head)
}

func TestVerify_Failures(t *testing.T) {
	valid := buildChain(payloads...)
	head := valid[2].hash

	brokenLink := buildChain(payloads...)
	brokenLink[1].prev = valid[0].prev

	tampered := buildChain(payloads...)
	tampered[1].payload = `{"amount_cents":1,"reservation_id":1,"target":"b"}`

	nonCanonical := buildChain(`{"b":1, "a":2}`)

	cases := []struct {
		name string
		csv  string
		head string
		want error
	}{
		{"broken link", render(t, brokenLink), head, ErrChain},
		{"tampered payload", render(t, tampered), head, ErrChain},
		{"non canonical payload", render(t, nonCanonical), nonCanonical[0].hash, ErrChain},
		{"wrong head", render(t, valid), valid[1].hash, ErrChain},
		{"empty export", render(t, nil), head, ErrChain},
		{"missing column", "seq,prev_hash_hex,hash_hex\n", head, ErrMalformed},
		{"bad head", render(t, valid), "zz", ErrMalformed},
		{"bad hex", "seq,prev_hash_hex,hash_hex,payload_canonical\n1,xx,yy,{}\n", head, ErrMalformed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Verify(strings.NewReader(tc.csv), tc.head)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
