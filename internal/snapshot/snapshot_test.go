package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	rows := []json.RawMessage{
		json.RawMessage(`{"id":"1","v":"a"}`),
		json.RawMessage(`{"id":"2","v":"b"}`),
	}

	framed, err := EncodeFrame(rows)
	require.NoError(t, err)
	decoded, err := DecodeFrame(framed)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.JSONEq(t, string(rows[0]), string(decoded[0]))
	assert.JSONEq(t, string(rows[1]), string(decoded[1]))
}

func TestEncodeDecodeEmptyFrame(t *testing.T) {
	framed, err := EncodeFrame(nil)
	require.NoError(t, err)
	decoded, err := DecodeFrame(framed)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestDecodeFrameRejectsBadMagic(t *testing.T) {
	_, err := DecodeFrame([]byte("NOPE"))
	assert.Error(t, err)
}

func TestGzipRoundTrip(t *testing.T) {
	data := []byte("some row bytes to compress")
	compressed, err := gzipCompress(data)
	require.NoError(t, err)
	assert.NotEqual(t, data, compressed)

	decompressed, err := gzipDecompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}

func TestChunkIDIsStableAndKeySensitive(t *testing.T) {
	k1 := Key{PartitionID: "p1", ScopeKey: "org:acme", Scope: "items", AsOfCommitSeq: 10, RowLimit: 100, Encoding: "json-row-frame-v1", Compression: "gzip"}
	k2 := k1
	k2.AsOfCommitSeq = 11

	id1a, err := chunkID(k1)
	require.NoError(t, err)
	id1b, err := chunkID(k1)
	require.NoError(t, err)
	assert.Equal(t, id1a, id1b)

	id2, err := chunkID(k2)
	require.NoError(t, err)
	assert.NotEqual(t, id1a, id2)
}
