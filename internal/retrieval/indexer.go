package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"scribe/internal/embedding"
	"scribe/internal/logging"
	"scribe/internal/store"
	"scribe/internal/types"
)

// =============================================================================
// INDEXER - chunk markdown files and populate the search index
// =============================================================================

// maxChunkBytes caps chunk size; paragraphs accumulate until the cap.
const maxChunkBytes = 1200

// Indexer splits vault markdown into chunks and writes them to the store,
// embedding each chunk when an embedding engine is available.
type Indexer struct {
	store    *store.Store
	embedder embedding.Engine // nil means index without embeddings
	root     string
}

// NewIndexer creates an indexer rooted at the vault directory.
func NewIndexer(s *store.Store, embedder embedding.Engine, root string) *Indexer {
	return &Indexer{store: s, embedder: embedder, root: root}
}

// IndexStats summarizes an indexing pass.
type IndexStats struct {
	FilesSeen    int
	FilesIndexed int
	FilesSkipped int
	Chunks       int
	Embedded     int
}

// IndexVault walks the vault and (re)indexes every markdown file whose
// content changed since the last pass. Hidden directories, including the
// .scribe state directory, are skipped.
func (ix *Indexer) IndexVault(ctx context.Context) (*IndexStats, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "IndexVault")
	defer timer.Stop()

	stats := &IndexStats{}
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != ix.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stats.FilesSeen++
		indexed, err := ix.IndexFile(ctx, path, stats)
		if err != nil {
			return err
		}
		if indexed {
			stats.FilesIndexed++
		} else {
			stats.FilesSkipped++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to index vault: %w", err)
	}

	logging.Retrieval("Indexed vault: %d files seen, %d indexed, %d unchanged, %d chunks (%d embedded)",
		stats.FilesSeen, stats.FilesIndexed, stats.FilesSkipped, stats.Chunks, stats.Embedded)
	return stats, nil
}

// IndexFile (re)indexes a single file, replacing its previous chunks. It
// returns false without touching the index when the file is unchanged.
// stats may be nil.
func (ix *Indexer) IndexFile(ctx context.Context, path string, stats *IndexStats) (bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	rel, err := filepath.Rel(ix.root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	hash := hashBytes(content)
	if unchanged, err := ix.fileUnchanged(rel, hash); err != nil {
		return false, err
	} else if unchanged {
		return false, nil
	}

	pieces := splitChunks(string(content))
	chunks := make([]types.Chunk, 0, len(pieces))
	for _, p := range pieces {
		chunks = append(chunks, types.Chunk{
			ID:          uuid.NewString(),
			Path:        rel,
			StartByte:   p.start,
			EndByte:     p.end,
			Text:        p.text,
			Tokens:      Tokenize(p.text),
			ContentHash: hash,
		})
	}

	if ix.embedder != nil && len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			logging.Retrieval("Embedding failed for %s, indexing lexical-only: %v", rel, err)
		} else {
			for i := range chunks {
				chunks[i].Embedding = vecs[i]
				if stats != nil {
					stats.Embedded++
				}
			}
		}
	}

	if _, err := ix.store.DeleteChunksForPath(rel); err != nil {
		return false, err
	}
	for i := range chunks {
		if err := ix.store.UpsertChunk(&chunks[i]); err != nil {
			return false, err
		}
	}
	if stats != nil {
		stats.Chunks += len(chunks)
	}
	logging.RetrievalDebug("Indexed %s: %d chunks", rel, len(chunks))
	return true, nil
}

// EmbedMissing backfills embeddings for chunks indexed while the embedding
// backend was unavailable. Returns how many chunks gained a vector.
func (ix *Indexer) EmbedMissing(ctx context.Context) (int, error) {
	if ix.embedder == nil {
		return 0, nil
	}
	chunks, err := ix.store.AllChunks()
	if err != nil {
		return 0, err
	}
	var missing []types.Chunk
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	texts := make([]string, len(missing))
	for i, c := range missing {
		texts[i] = c.Text
	}
	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed %d chunks: %w", len(missing), err)
	}
	for i := range missing {
		missing[i].Embedding = vecs[i]
		if err := ix.store.UpsertChunk(&missing[i]); err != nil {
			return i, err
		}
	}
	logging.Retrieval("Backfilled embeddings for %d chunks", len(missing))
	return len(missing), nil
}

// RemoveFile drops a deleted file's chunks from the index.
func (ix *Indexer) RemoveFile(path string) error {
	rel, err := filepath.Rel(ix.root, path)
	if err != nil {
		rel = path
	}
	_, err = ix.store.DeleteChunksForPath(filepath.ToSlash(rel))
	return err
}

// fileUnchanged compares the file hash against the hash recorded on its
// existing chunks.
func (ix *Indexer) fileUnchanged(rel, hash string) (bool, error) {
	chunks, err := ix.store.AllChunks()
	if err != nil {
		return false, err
	}
	for _, c := range chunks {
		if c.Path == rel {
			return c.ContentHash == hash, nil
		}
	}
	return false, nil
}

// chunkPiece is one paragraph window with byte offsets into the file.
type chunkPiece struct {
	start int
	end   int
	text  string
}

// splitChunks splits markdown into paragraph windows of at most
// maxChunkBytes, never splitting inside a paragraph. Oversized single
// paragraphs become their own chunk.
func splitChunks(content string) []chunkPiece {
	var pieces []chunkPiece
	var cur strings.Builder
	curStart := 0
	offset := 0

	flush := func(end int) {
		text := strings.TrimSpace(cur.String())
		if text != "" {
			pieces = append(pieces, chunkPiece{start: curStart, end: end, text: text})
		}
		cur.Reset()
	}

	for _, para := range strings.Split(content, "\n\n") {
		paraLen := len(para)
		if cur.Len() > 0 && cur.Len()+paraLen+2 > maxChunkBytes {
			flush(offset)
			curStart = offset
		}
		if cur.Len() == 0 {
			curStart = offset
		} else {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
		offset += paraLen + 2
	}
	flush(len(content))
	return pieces
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
