// Package vault implements verified writes to the markdown knowledge base.
// Every mutation follows write -> readback -> hash compare -> commit; a
// write that cannot be read back byte-identical produces no commit. Reverts
// are new forward commits, never history rewrites.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"scribe/internal/logging"
	"scribe/internal/store"
	"scribe/internal/types"
)

var (
	// ErrVerificationFailed is returned when readback content does not hash
	// to what was written. The file may be in the post-write state but no
	// commit exists for it.
	ErrVerificationFailed = errors.New("write verification failed: readback hash mismatch")

	// ErrOutsideVault is returned for paths that escape the vault root.
	ErrOutsideVault = errors.New("path escapes vault root")

	// ErrNotMarkdown is returned for mutations targeting non-markdown files.
	ErrNotMarkdown = errors.New("only markdown files can be modified")
)

// Vault is the store of record for note content. A single mutex serializes
// all mutations; readers go straight to disk.
type Vault struct {
	root    string
	store   *store.Store
	writeMu sync.Mutex

	// readBack re-reads a just-written file for verification. Swappable in
	// tests to simulate a corrupted write.
	readBack func(path string) ([]byte, error)
}

// New opens a vault rooted at dir. The directory must already exist.
func New(dir string, s *store.Store) (*Vault, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vault root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("vault root unavailable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", abs)
	}
	return &Vault{root: abs, store: s, readBack: os.ReadFile}, nil
}

// Root returns the vault's absolute root directory.
func (v *Vault) Root() string {
	return v.root
}

// SetReadBack overrides how written files are re-read for verification.
// Tests inject slow or corrupted reads through it.
func (v *Vault) SetReadBack(fn func(path string) ([]byte, error)) {
	v.readBack = fn
}

// resolve confines a vault-relative path to the root and rejects escapes,
// hidden state directories, and non-markdown targets for mutations.
func (v *Vault) resolve(rel string, mutating bool) (string, error) {
	rel = filepath.FromSlash(strings.TrimSpace(rel))
	if rel == "" || filepath.IsAbs(rel) {
		return "", ErrOutsideVault
	}
	abs := filepath.Clean(filepath.Join(v.root, rel))
	if abs != v.root && !strings.HasPrefix(abs, v.root+string(filepath.Separator)) {
		return "", ErrOutsideVault
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return "", ErrOutsideVault
		}
	}
	if mutating && !strings.HasSuffix(abs, ".md") {
		return "", ErrNotMarkdown
	}
	return abs, nil
}

// Read returns a note's content.
func (v *Vault) Read(rel string) ([]byte, error) {
	abs, err := v.resolve(rel, false)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return content, nil
}

// Entry is one listing row.
type Entry struct {
	Path  string
	IsDir bool
	Size  int64
}

// List returns the entries under a vault directory, sorted by path. Hidden
// entries are excluded.
func (v *Vault) List(rel string) ([]Entry, error) {
	dir := v.root
	if rel != "" && rel != "." {
		abs, err := v.resolve(rel, false)
		if err != nil {
			return nil, err
		}
		dir = abs
	}

	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", rel, err)
	}

	var entries []Entry
	for _, item := range items {
		if strings.HasPrefix(item.Name(), ".") {
			continue
		}
		relPath, err := filepath.Rel(v.root, filepath.Join(dir, item.Name()))
		if err != nil {
			continue
		}
		e := Entry{Path: filepath.ToSlash(relPath), IsDir: item.IsDir()}
		if info, err := item.Info(); err == nil && !item.IsDir() {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Write replaces (or creates) a note and returns the commit recording it.
// The sequence is: write bytes, read them back from disk, compare hashes,
// and only then record the commit. On hash mismatch no commit is written
// and ErrVerificationFailed is returned immediately.
func (v *Vault) Write(rel string, content []byte, diffSummary string) (*types.Commit, error) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	timer := logging.StartTimer(logging.CategoryVault, "Write")
	defer timer.Stop()

	abs, err := v.resolve(rel, true)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("failed to create note directory: %w", err)
	}

	wantHash := HashContent(content)

	if err := os.WriteFile(abs, content, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", rel, err)
	}

	readback, err := v.readBack(abs)
	if err != nil {
		return nil, fmt.Errorf("readback of %s failed: %w", rel, err)
	}
	gotHash := HashContent(readback)
	if gotHash != wantHash {
		logging.Vault("Verification FAILED for %s: wrote %s, read back %s", rel, wantHash, gotHash)
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, rel)
	}

	commit, err := v.record(rel, content, wantHash, diffSummary, false)
	if err != nil {
		return nil, err
	}
	logging.Vault("Verified write to %s: commit %s (%d bytes)", rel, commit.ID, len(content))
	return commit, nil
}

// Revert restores a path to the content of an earlier commit by making a
// new forward commit. The target commit must belong to the given path.
func (v *Vault) Revert(rel, commitID string) (*types.Commit, error) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	abs, err := v.resolve(rel, true)
	if err != nil {
		return nil, err
	}

	target, content, err := v.store.GetCommit(commitID)
	if err != nil {
		return nil, err
	}
	relSlash := filepath.ToSlash(rel)
	if target.Path != relSlash {
		return nil, fmt.Errorf("commit %s belongs to %s, not %s", commitID, target.Path, relSlash)
	}

	if err := os.WriteFile(abs, content, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", rel, err)
	}
	readback, err := v.readBack(abs)
	if err != nil {
		return nil, fmt.Errorf("readback of %s failed: %w", rel, err)
	}
	if HashContent(readback) != target.ContentHash {
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, rel)
	}

	commit, err := v.record(rel, content, target.ContentHash,
		fmt.Sprintf("revert to %s", commitID), true)
	if err != nil {
		return nil, err
	}
	logging.Vault("Reverted %s to commit %s via commit %s", rel, commitID, commit.ID)
	return commit, nil
}

// record appends a commit to the path's chain. Caller holds writeMu.
func (v *Vault) record(rel string, content []byte, hash, diffSummary string, revert bool) (*types.Commit, error) {
	relSlash := filepath.ToSlash(rel)

	parent, err := v.store.LatestCommit(relSlash)
	if err != nil {
		return nil, err
	}
	parentID := ""
	if parent != nil {
		parentID = parent.ID
	}

	commit := &types.Commit{
		ID:          uuid.NewString(),
		Path:        relSlash,
		ParentID:    parentID,
		ContentHash: hash,
		DiffSummary: diffSummary,
		Revert:      revert,
	}
	if err := v.store.InsertCommit(commit, content); err != nil {
		return nil, err
	}
	return commit, nil
}

// History returns a path's commits, newest first.
func (v *Vault) History(rel string, limit int) ([]types.Commit, error) {
	if _, err := v.resolve(rel, false); err != nil {
		return nil, err
	}
	return v.store.CommitHistory(filepath.ToSlash(rel), limit)
}

// HashContent returns the hex sha256 of content, the hash used throughout
// the commit chain.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DiffSummary produces the "+adds -dels" line-count summary recorded on
// commits.
func DiffSummary(before, after []byte) string {
	beforeLines := countLines(before)
	afterLines := countLines(after)
	adds, dels := 0, 0
	if afterLines > beforeLines {
		adds = afterLines - beforeLines
	} else {
		dels = beforeLines - afterLines
	}
	return fmt.Sprintf("+%d -%d", adds, dels)
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := strings.Count(string(b), "\n")
	if b[len(b)-1] != '\n' {
		n++
	}
	return n
}
