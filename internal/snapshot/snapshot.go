// Package snapshot implements the Snapshot Chunk Store: a
// content-addressed cache of bootstrap pages. Each chunk is identified
// by its partition, scope key, table, as-of commit sequence, row
// cursor, row limit, encoding, and compression — the same tuple twice
// always names the same bytes, so repeated bootstraps of an unchanged
// dataset hit cache instead of re-querying table handlers.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftbase/syncd/internal/syncerr"
)

// frameMagic identifies the "json-row-frame-v1" wire encoding.
var frameMagic = [4]byte{'S', 'R', 'F', '1'}

// Key identifies a chunk's content uniquely within a partition.
type Key struct {
	PartitionID   string
	ScopeKey      string
	Scope         string
	AsOfCommitSeq int64
	RowCursor     string
	RowLimit      int
	Encoding      string
	Compression   string
}

// chunkID derives a stable identifier from a Key using a CIDv1 raw
// multihash over the canonical key encoding, matching the content
// addressing used for blob storage elsewhere in this module while
// the external wire format still reports a plain "sha256:<hex>" string.
func chunkID(k Key) (string, error) {
	canonical := fmt.Sprintf("%s|%s|%s|%d|%s|%d|%s|%s",
		k.PartitionID, k.ScopeKey, k.Scope, k.AsOfCommitSeq, k.RowCursor, k.RowLimit, k.Encoding, k.Compression)
	sum := sha256.Sum256([]byte(canonical))
	hash, err := mh.Encode(sum[:], mh.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("snapshot: encode multihash: %w", err)
	}
	id := cid.NewCidV1(cid.Raw, hash)
	return id.String(), nil
}

// Chunk is a stored bootstrap page.
type Chunk struct {
	ChunkID       string
	Key           Key
	SHA256        string // "sha256:<hex>", the wire-visible content hash
	ByteLength    int64
	Body          []byte // gzip-compressed, framed row bytes as stored inline; nil if offloaded
	BlobHash      string // set when offloaded to a BlobBackend instead of Body
	ExpiresAt     time.Time
}

// BlobBackend offloads large chunk bodies to external storage, kept
// optional: most deployments store chunk bodies inline in
// sync_snapshot_chunks.
type BlobBackend interface {
	Put(ctx context.Context, hash string, body []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
}

// Store manages chunk persistence, an in-memory hot cache, and expiry.
type Store struct {
	ttl   time.Duration
	cache *lru.Cache[string, Chunk]
	blob  BlobBackend
}

// NewStore builds a chunk Store. cacheSize bounds the in-memory hot
// cache of recently-read chunk bodies; blob may be nil to keep all
// chunk bodies inline in Postgres.
func NewStore(ttl time.Duration, cacheSize int, blob BlobBackend) (*Store, error) {
	cache, err := lru.New[string, Chunk](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("snapshot: new lru cache: %w", err)
	}
	return &Store{ttl: ttl, cache: cache, blob: blob}, nil
}

// EncodeFrame serializes rows into the "json-row-frame-v1" wire
// format: a 4-byte magic header followed by, for each row, a 4-byte
// big-endian length prefix and the row's UTF-8 JSON bytes. A row
// whose encoded length wouldn't fit in the 4-byte prefix is rejected
// rather than silently truncated.
func EncodeFrame(rows []json.RawMessage) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Write(frameMagic[:])
	for _, row := range rows {
		if len(row) > math.MaxUint32 {
			return nil, syncerr.New(syncerr.CodeSnapshotRowTooLarge,
				fmt.Sprintf("snapshot: row of %d bytes exceeds the maximum frame length", len(row)))
		}
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(row)))
		buf.Write(length[:])
		buf.Write(row)
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a "json-row-frame-v1" buffer back into rows.
func DecodeFrame(frame []byte) ([]json.RawMessage, error) {
	if len(frame) < 4 || [4]byte(frame[:4]) != frameMagic {
		return nil, syncerr.New(syncerr.CodeSnapshotFormatError, "snapshot: missing or invalid frame magic")
	}
	pos := 4
	var rows []json.RawMessage
	for pos < len(frame) {
		if pos+4 > len(frame) {
			return nil, syncerr.New(syncerr.CodeSnapshotFormatError, "snapshot: truncated row length prefix")
		}
		n := binary.BigEndian.Uint32(frame[pos : pos+4])
		pos += 4
		if pos+int(n) > len(frame) {
			return nil, syncerr.New(syncerr.CodeSnapshotFormatError, "snapshot: truncated row body")
		}
		row := make(json.RawMessage, n)
		copy(row, frame[pos:pos+int(n)])
		rows = append(rows, row)
		pos += int(n)
	}
	return rows, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := gzip.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// maxInlineBytes is the largest compressed body this store keeps
// directly in Postgres; above this, a configured BlobBackend is used.
const maxInlineBytes = 1 << 20 // 1 MiB

// FindOrStore looks up an existing chunk by Key; if absent, it calls
// build to materialize the rows, frames and compresses them, persists
// the chunk, and returns it. Matches content-addressed "find or
// create" semantics so concurrent bootstraps of the same page
// converge on one stored chunk.
func (s *Store) FindOrStore(ctx context.Context, pool *pgxpool.Pool, key Key, build func(ctx context.Context) ([]json.RawMessage, error)) (Chunk, error) {
	id, err := chunkID(key)
	if err != nil {
		return Chunk{}, syncerr.Wrap(syncerr.CodeStorageError, err)
	}

	if cached, ok := s.cache.Get(id); ok && cached.ExpiresAt.After(time.Now()) {
		return cached, nil
	}

	existing, err := s.find(ctx, pool, id)
	if err != nil {
		return Chunk{}, err
	}
	if existing != nil {
		s.cache.Add(id, *existing)
		return *existing, nil
	}

	rows, err := build(ctx)
	if err != nil {
		return Chunk{}, err
	}
	framed, err := EncodeFrame(rows)
	if err != nil {
		return Chunk{}, err
	}
	compressed, err := gzipCompress(framed)
	if err != nil {
		return Chunk{}, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("snapshot: compress: %w", err))
	}

	sum := sha256.Sum256(framed)
	sha256Hex := "sha256:" + hex.EncodeToString(sum[:])
	expiresAt := time.Now().Add(s.ttl)

	chunk := Chunk{
		ChunkID:    id,
		Key:        key,
		SHA256:     sha256Hex,
		ByteLength: int64(len(compressed)),
		ExpiresAt:  expiresAt,
	}

	var blobHash *string
	var inlineBody []byte
	if s.blob != nil && len(compressed) > maxInlineBytes {
		if err := s.blob.Put(ctx, sha256Hex, compressed); err != nil {
			return Chunk{}, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("snapshot: blob put: %w", err))
		}
		blobHash = &sha256Hex
		chunk.BlobHash = sha256Hex
	} else {
		inlineBody = compressed
		chunk.Body = compressed
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO sync_snapshot_chunks
		   (chunk_id, partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, byte_length, blob_hash, body, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,'json-row-frame-v1','gzip',$8,$9,$10,$11,$12)
		 ON CONFLICT (partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression) DO NOTHING`,
		id, key.PartitionID, key.ScopeKey, key.Scope, key.AsOfCommitSeq, key.RowCursor, key.RowLimit,
		sha256Hex, chunk.ByteLength, blobHash, inlineBody, expiresAt)
	if err != nil {
		return Chunk{}, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("snapshot: insert chunk: %w", err))
	}

	s.cache.Add(id, chunk)
	return chunk, nil
}

func (s *Store) find(ctx context.Context, pool *pgxpool.Pool, chunkID string) (*Chunk, error) {
	var c Chunk
	var blobHash *string
	err := pool.QueryRow(ctx,
		`SELECT chunk_id, partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, byte_length, blob_hash, body, expires_at
		 FROM sync_snapshot_chunks WHERE chunk_id = $1`, chunkID,
	).Scan(&c.ChunkID, &c.Key.PartitionID, &c.Key.ScopeKey, &c.Key.Scope, &c.Key.AsOfCommitSeq, &c.Key.RowCursor, &c.Key.RowLimit,
		&c.Key.Encoding, &c.Key.Compression, &c.SHA256, &c.ByteLength, &blobHash, &c.Body, &c.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("snapshot: find chunk: %w", err))
	}
	if blobHash != nil {
		c.BlobHash = *blobHash
	}
	return &c, nil
}

func (s *Store) loadBody(ctx context.Context, c Chunk) ([]json.RawMessage, error) {
	var compressed []byte
	if c.BlobHash != "" {
		if s.blob == nil {
			return nil, syncerr.New(syncerr.CodeSnapshotFormatError, "snapshot: chunk offloaded to blob backend but none configured")
		}
		body, err := s.blob.Get(ctx, c.BlobHash)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("snapshot: blob get: %w", err))
		}
		compressed = body
	} else {
		compressed = c.Body
	}

	framed, err := gzipDecompress(compressed)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeSnapshotFormatError, fmt.Errorf("snapshot: decompress: %w", err))
	}
	return DecodeFrame(framed)
}

// ReadRows loads a chunk's rows from its inline body or, for an
// offloaded chunk, from the blob backend by its content hash,
// decompressing and unframing on demand. Intended for the pull pipeline's response
// assembly after FindOrStore.
func (s *Store) ReadRows(ctx context.Context, chunk Chunk) ([]json.RawMessage, error) {
	return s.loadBody(ctx, chunk)
}

// CleanupExpired deletes chunks whose expires_at has passed, returning
// the count removed. Called by the maintenance loop's snapshot-GC task.
func (s *Store) CleanupExpired(ctx context.Context, pool *pgxpool.Pool, partitionID string) (int64, error) {
	tag, err := pool.Exec(ctx,
		`DELETE FROM sync_snapshot_chunks WHERE partition_id = $1 AND expires_at < NOW()`, partitionID)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("snapshot: cleanup expired: %w", err))
	}
	return tag.RowsAffected(), nil
}

// InvalidateTable removes every cached chunk of a partition, whatever
// its table or scope key, used when an external data change bypasses
// the commit log. It takes no table argument: chunks of tables the
// change did not touch are deleted as well.
func (s *Store) InvalidateTable(ctx context.Context, pool *pgxpool.Pool, partitionID string) error {
	_, err := pool.Exec(ctx, `DELETE FROM sync_snapshot_chunks WHERE partition_id = $1`, partitionID)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorageError, fmt.Errorf("snapshot: invalidate table: %w", err))
	}
	return nil
}
