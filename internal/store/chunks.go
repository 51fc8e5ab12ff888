package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"scribe/internal/logging"
	"scribe/internal/types"
)

// ===== INDEX CHUNKS =====

// UpsertChunk inserts or replaces one index chunk. Embedding may be nil when
// the embedding engine is unavailable; lexical search still works on tokens.
func (s *Store) UpsertChunk(chunk *types.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chunk.IndexedAt.IsZero() {
		chunk.IndexedAt = time.Now().UTC()
	}
	tokens, err := json.Marshal(chunk.Tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO chunks (id, path, start_byte, end_byte, text, embedding, tokens, content_hash, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID, chunk.Path, chunk.StartByte, chunk.EndByte, chunk.Text,
		encodeEmbedding(chunk.Embedding), string(tokens), chunk.ContentHash, chunk.IndexedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %s: %w", chunk.ID, err)
	}
	return nil
}

// DeleteChunksForPath removes all chunks indexed for a file. Used when a
// file is rewritten or deleted before re-indexing.
func (s *Store) DeleteChunksForPath(path string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM chunks WHERE path = ?", path)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks for %s: %w", path, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("Deleted %d chunks for %s", n, path)
	}
	return n, nil
}

// AllChunks loads every indexed chunk, ordered by path then start byte so
// downstream scoring is deterministic.
func (s *Store) AllChunks() ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, path, start_byte, end_byte, text, embedding, tokens, content_hash, indexed_at
		FROM chunks ORDER BY path, start_byte`)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	defer rows.Close()

	var chunks []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var embedding []byte
		var tokens string
		if err := rows.Scan(&c.ID, &c.Path, &c.StartByte, &c.EndByte, &c.Text,
			&embedding, &tokens, &c.ContentHash, &c.IndexedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Embedding = decodeEmbedding(embedding)
		if err := json.Unmarshal([]byte(tokens), &c.Tokens); err != nil {
			logging.StoreDebug("Skipping malformed tokens for chunk %s: %v", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunkCount returns the number of indexed chunks and how many carry an
// embedding.
func (s *Store) ChunkCount() (total, embedded int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(
		"SELECT COUNT(*), COUNT(embedding) FROM chunks").Scan(&total, &embedded)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return total, embedded, nil
}

// IndexedNoteCount returns how many distinct files have chunks in the index.
func (s *Store) IndexedNoteCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(DISTINCT path) FROM chunks").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count indexed notes: %w", err)
	}
	return n, nil
}

// encodeEmbedding packs a float32 vector as little-endian bytes, the layout
// sqlite-vec expects for BLOB vectors.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := new(bytes.Buffer)
	buf.Grow(len(vec) * 4)
	for _, v := range vec {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}
