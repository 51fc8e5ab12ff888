package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"scribe/internal/store"
)

func newTestVault(t *testing.T) (*Vault, *store.Store) {
	t.Helper()
	root := t.TempDir()
	s, err := store.Open(filepath.Join(t.TempDir(), "scribe.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	v, err := New(root, s)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return v, s
}

func TestWriteProducesVerifiedCommit(t *testing.T) {
	v, s := newTestVault(t)

	content := []byte("# Go\n\nGoroutines are cheap.\n")
	commit, err := v.Write("notes/go.md", content, "+3 -0")
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if commit.ContentHash != HashContent(content) {
		t.Errorf("commit hash = %s, want %s", commit.ContentHash, HashContent(content))
	}
	if commit.ParentID != "" {
		t.Errorf("first commit has parent %s", commit.ParentID)
	}

	got, err := v.Read("notes/go.md")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("read back %q", got)
	}

	latest, err := s.LatestCommit("notes/go.md")
	if err != nil || latest == nil || latest.ID != commit.ID {
		t.Errorf("LatestCommit = (%v, %v), want commit %s", latest, err, commit.ID)
	}
}

func TestWriteReadbackMismatchCommitsNothing(t *testing.T) {
	v, s := newTestVault(t)
	v.readBack = func(string) ([]byte, error) {
		return []byte("corrupted on disk"), nil
	}

	_, err := v.Write("notes/go.md", []byte("# Go\n"), "+1 -0")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Write error = %v, want ErrVerificationFailed", err)
	}

	latest, err := s.LatestCommit("notes/go.md")
	if err != nil {
		t.Fatalf("LatestCommit failed: %v", err)
	}
	if latest != nil {
		t.Errorf("mismatch produced commit %s", latest.ID)
	}
}

func TestWriteChainsParents(t *testing.T) {
	v, _ := newTestVault(t)

	first, err := v.Write("go.md", []byte("v1\n"), "+1 -0")
	if err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	second, err := v.Write("go.md", []byte("v2\n"), "+1 -1")
	if err != nil {
		t.Fatalf("second Write failed: %v", err)
	}
	if second.ParentID != first.ID {
		t.Errorf("second parent = %s, want %s", second.ParentID, first.ID)
	}
}

func TestRevertRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)

	original := []byte("original content\n")
	first, err := v.Write("go.md", original, "+1 -0")
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := v.Write("go.md", []byte("overwritten\n"), "+1 -1"); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	revert, err := v.Revert("go.md", first.ID)
	if err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if !revert.Revert {
		t.Error("revert commit not flagged")
	}
	if revert.ContentHash != first.ContentHash {
		t.Errorf("revert hash = %s, want %s", revert.ContentHash, first.ContentHash)
	}

	got, err := v.Read("go.md")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != string(original) {
		t.Errorf("content = %q, want original", got)
	}

	// History is forward-only: three commits, newest the revert.
	history, err := v.History("go.md", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 || history[0].ID != revert.ID {
		t.Errorf("history = %+v", history)
	}
}

func TestRevertWrongPath(t *testing.T) {
	v, _ := newTestVault(t)

	commit, err := v.Write("a.md", []byte("a\n"), "")
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := v.Write("b.md", []byte("b\n"), ""); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := v.Revert("b.md", commit.ID); err == nil {
		t.Fatal("expected error reverting b.md to a.md's commit")
	}
}

func TestPathConfinement(t *testing.T) {
	v, _ := newTestVault(t)

	tests := []struct {
		name string
		rel  string
		want error
	}{
		{"parent escape", "../outside.md", ErrOutsideVault},
		{"absolute", "/etc/passwd", ErrOutsideVault},
		{"hidden dir", ".scribe/config.yaml", ErrOutsideVault},
		{"hidden file", "notes/.secret.md", ErrOutsideVault},
		{"empty", "", ErrOutsideVault},
		{"non markdown", "notes/data.json", ErrNotMarkdown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Write(tt.rel, []byte("x"), "")
			if !errors.Is(err, tt.want) {
				t.Errorf("Write(%q) error = %v, want %v", tt.rel, err, tt.want)
			}
		})
	}
}

func TestReadMissingFile(t *testing.T) {
	v, _ := newTestVault(t)
	if _, err := v.Read("missing.md"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestList(t *testing.T) {
	v, _ := newTestVault(t)

	if _, err := v.Write("notes/go.md", []byte("x\n"), ""); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := v.Write("top.md", []byte("y\n"), ""); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := os.Mkdir(filepath.Join(v.Root(), ".scribe"), 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	entries, err := v.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want notes/ and top.md", entries)
	}
	if entries[0].Path != "notes" || !entries[0].IsDir {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Path != "top.md" || entries[1].Size == 0 {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestDiffSummary(t *testing.T) {
	tests := []struct {
		name   string
		before string
		after  string
		want   string
	}{
		{"create", "", "a\nb\nc\n", "+3 -0"},
		{"shrink", "a\nb\nc\n", "a\n", "+0 -2"},
		{"same", "a\n", "b\n", "+0 -0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DiffSummary([]byte(tt.before), []byte(tt.after))
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
