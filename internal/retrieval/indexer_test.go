package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeVaultFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestIndexVault(t *testing.T) {
	root := t.TempDir()
	writeVaultFile(t, root, "notes/go.md", "# Go\n\nGoroutines are cheap.\n\nChannels synchronize.")
	writeVaultFile(t, root, "cooking.md", "# Bread\n\nKnead the dough.")
	writeVaultFile(t, root, ".scribe/internal.md", "should be skipped")
	writeVaultFile(t, root, "readme.txt", "not markdown")

	s := openTestStore(t)
	ix := NewIndexer(s, nil, root)

	stats, err := ix.IndexVault(context.Background())
	if err != nil {
		t.Fatalf("IndexVault failed: %v", err)
	}
	if stats.FilesSeen != 2 || stats.FilesIndexed != 2 {
		t.Errorf("stats = %+v, want 2 files seen and indexed", stats)
	}

	chunks, err := s.AllChunks()
	if err != nil {
		t.Fatalf("AllChunks failed: %v", err)
	}
	for _, c := range chunks {
		if strings.HasPrefix(c.Path, ".scribe") || strings.HasSuffix(c.Path, ".txt") {
			t.Errorf("unexpected indexed path %s", c.Path)
		}
	}

	// Second pass with unchanged content indexes nothing.
	stats2, err := ix.IndexVault(context.Background())
	if err != nil {
		t.Fatalf("second IndexVault failed: %v", err)
	}
	if stats2.FilesIndexed != 0 || stats2.FilesSkipped != 2 {
		t.Errorf("second pass stats = %+v, want all skipped", stats2)
	}
}

func TestIndexFileReindexOnChange(t *testing.T) {
	root := t.TempDir()
	path := writeVaultFile(t, root, "go.md", "Goroutines are cheap.")

	s := openTestStore(t)
	ix := NewIndexer(s, nil, root)

	if indexed, err := ix.IndexFile(context.Background(), path, nil); err != nil || !indexed {
		t.Fatalf("first IndexFile = (%v, %v), want (true, nil)", indexed, err)
	}
	if indexed, err := ix.IndexFile(context.Background(), path, nil); err != nil || indexed {
		t.Fatalf("unchanged IndexFile = (%v, %v), want (false, nil)", indexed, err)
	}

	writeVaultFile(t, root, "go.md", "Goroutines are cheap.\n\nAnd channels are typed.")
	if indexed, err := ix.IndexFile(context.Background(), path, nil); err != nil || !indexed {
		t.Fatalf("changed IndexFile = (%v, %v), want (true, nil)", indexed, err)
	}

	chunks, err := s.AllChunks()
	if err != nil {
		t.Fatalf("AllChunks failed: %v", err)
	}
	for _, c := range chunks {
		if !strings.Contains(c.Text, "cheap") && !strings.Contains(c.Text, "channels") {
			t.Errorf("stale chunk survived reindex: %q", c.Text)
		}
	}
}

func TestIndexWithEmbedder(t *testing.T) {
	root := t.TempDir()
	writeVaultFile(t, root, "go.md", "Goroutines are cheap.")

	s := openTestStore(t)
	ix := NewIndexer(s, &fakeEmbedder{}, root)

	stats, err := ix.IndexVault(context.Background())
	if err != nil {
		t.Fatalf("IndexVault failed: %v", err)
	}
	if stats.Embedded != stats.Chunks {
		t.Errorf("embedded %d of %d chunks", stats.Embedded, stats.Chunks)
	}
}

func TestEmbedMissing(t *testing.T) {
	root := t.TempDir()
	writeVaultFile(t, root, "go.md", "Goroutines are cheap.")

	s := openTestStore(t)

	// Index without an embedder, then backfill with one.
	if _, err := NewIndexer(s, nil, root).IndexVault(context.Background()); err != nil {
		t.Fatalf("IndexVault failed: %v", err)
	}
	if _, embedded, _ := s.ChunkCount(); embedded != 0 {
		t.Fatalf("embedded = %d before backfill", embedded)
	}

	n, err := NewIndexer(s, &fakeEmbedder{}, root).EmbedMissing(context.Background())
	if err != nil {
		t.Fatalf("EmbedMissing failed: %v", err)
	}
	total, embedded, _ := s.ChunkCount()
	if n != total || embedded != total {
		t.Errorf("backfilled %d, embedded %d of %d", n, embedded, total)
	}

	// Second pass has nothing to do.
	if n, err := NewIndexer(s, &fakeEmbedder{}, root).EmbedMissing(context.Background()); err != nil || n != 0 {
		t.Errorf("second EmbedMissing = (%d, %v), want (0, nil)", n, err)
	}
}

func TestSplitChunks(t *testing.T) {
	long := strings.Repeat("word ", 300) // ~1500 bytes, forces a split
	content := "First paragraph.\n\n" + long + "\n\nLast paragraph."

	pieces := splitChunks(content)
	if len(pieces) < 2 {
		t.Fatalf("got %d pieces, want a split", len(pieces))
	}
	if pieces[0].start != 0 {
		t.Errorf("first piece starts at %d", pieces[0].start)
	}
	for _, p := range pieces {
		if p.text == "" {
			t.Error("empty chunk text")
		}
	}
}

func TestRemoveFile(t *testing.T) {
	root := t.TempDir()
	path := writeVaultFile(t, root, "go.md", "Goroutines are cheap.")

	s := openTestStore(t)
	ix := NewIndexer(s, nil, root)
	if _, err := ix.IndexFile(context.Background(), path, nil); err != nil {
		t.Fatalf("IndexFile failed: %v", err)
	}
	if err := ix.RemoveFile(path); err != nil {
		t.Fatalf("RemoveFile failed: %v", err)
	}
	total, _, _ := s.ChunkCount()
	if total != 0 {
		t.Errorf("chunks remain after RemoveFile: %d", total)
	}
}
