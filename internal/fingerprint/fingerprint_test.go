package fingerprint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDeterminism(t *testing.T) {
	data := bytes.Repeat([]byte{0x89, 0x50, 0x4e, 0x47}, 64)

	first, err := Compute(data)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Compute(data)
		require.NoError(t, err)
		assert.Equal(t, first.Hash, again.Hash, "hash must be stable across calls")
		assert.Equal(t, first.RecordID(), again.RecordID(), "derived ID must be stable")
	}

	assert.Len(t, first.Hash, 64, "sha-256 hex is 64 chars")
	assert.Equal(t, len(data), first.Size)
}

func TestComputeDistinctInputs(t *testing.T) {
	a, err := Compute(bytes.Repeat([]byte{0x01}, 128))
	require.NoError(t, err)
	b, err := Compute(bytes.Repeat([]byte{0x02}, 128))
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.RecordID(), b.RecordID())
}

func TestComputeInvalidContent(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "nil", data: nil},
		{name: "empty", data: []byte{}},
		{name: "too small", data: []byte("tiny")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidContent)
		})
	}
}

func TestRecordIDIsValidUUID(t *testing.T) {
	fp, err := Compute(bytes.Repeat([]byte{0xab}, 256))
	require.NoError(t, err)

	id := fp.RecordID()
	assert.Len(t, id, 36)
	assert.Equal(t, byte('-'), id[8])
}
