// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package record

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := Record{LogID: 42, Term: 3, ClusterID: 7, Payload: []byte("Test string 01")}
	buf := Encode(r)
	require.Len(t, buf, EncodedLen(len(r.Payload)))

	got, n, err := DecodeForward(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, r.LogID, got.LogID)
	require.Equal(t, r.Term, got.Term)
	require.Equal(t, r.ClusterID, got.ClusterID)
	require.Equal(t, r.Payload, got.Payload)
}

func TestEncodeDecodeRoundTripFuzz(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 256)
	for i := 0; i < 200; i++ {
		var r Record
		f.Fuzz(&r.LogID)
		f.Fuzz(&r.Term)
		f.Fuzz(&r.ClusterID)
		f.Fuzz(&r.Payload)

		buf := Encode(r)
		got, n, err := DecodeForward(bytes.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, r, *got)
	}
}

func TestDecodeBackwardMatchesForward(t *testing.T) {
	var buf bytes.Buffer
	offsets := []int64{0}
	for i := uint64(1); i <= 5; i++ {
		b := Encode(Record{LogID: i, Term: 1, ClusterID: 0, Payload: []byte("payload")})
		buf.Write(b)
		offsets = append(offsets, int64(buf.Len()))
	}

	data := buf.Bytes()
	for i := uint64(1); i <= 5; i++ {
		r, start, err := DecodeBackward(bytes.NewReader(data), offsets[i])
		require.NoError(t, err)
		require.Equal(t, i, r.LogID)
		require.Equal(t, offsets[i-1], start)
	}
}

func TestDecodeForwardEmptyStreamIsEOF(t *testing.T) {
	_, _, err := DecodeForward(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeForwardTornTailVariants(t *testing.T) {
	full := Encode(Record{LogID: 1, Term: 1, ClusterID: 0, Payload: []byte("hello world")})

	cases := map[string]int{
		"missing trailing bytes":     len(full) - 4,
		"missing checksum, suffix":   len(full) - 8,
		"only length prefix present": 4,
		"nothing but one byte":       1,
	}

	for name, truncateTo := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodeForward(bytes.NewReader(full[:truncateTo]))
			require.True(t, errors.Is(err, ErrTornTail) || errors.Is(err, io.EOF))
		})
	}
}

func TestDecodeForwardChecksumMismatch(t *testing.T) {
	full := Encode(Record{LogID: 1, Term: 1, ClusterID: 0, Payload: []byte("hello world")})
	corrupt := append([]byte(nil), full...)
	corrupt[10] ^= 0xFF // flip a bit inside the fixed fields

	_, _, err := DecodeForward(bytes.NewReader(corrupt))
	require.ErrorIs(t, err, ErrTornTail)
}

func TestDecodeForwardMismatchedBrackets(t *testing.T) {
	full := Encode(Record{LogID: 1, Term: 1, ClusterID: 0, Payload: []byte("hello world")})
	corrupt := append([]byte(nil), full...)
	corrupt[len(corrupt)-1] ^= 0xFF // corrupt the length suffix only

	_, _, err := DecodeForward(bytes.NewReader(corrupt))
	require.ErrorIs(t, err, ErrTornTail)
}
