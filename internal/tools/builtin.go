package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"scribe/internal/retrieval"
	"scribe/internal/vault"
)

// Deps wires the builtin tools to the rest of the system.
type Deps struct {
	Vault     *vault.Vault
	Retriever *retrieval.Engine
	Indexer   *retrieval.Indexer
	Searcher  WebSearcher // optional; web_search is not registered without it
}

// RegisterBuiltins registers the standard tool set:
// search_notes, read_note, list_notes, web_search (read-only) and
// create_note, update_note (mutating).
func RegisterBuiltins(r *Registry, d Deps) {
	r.MustRegister(searchNotesTool(d))
	r.MustRegister(readNoteTool(d))
	r.MustRegister(listNotesTool(d))
	r.MustRegister(createNoteTool(d))
	r.MustRegister(updateNoteTool(d))
	if d.Searcher != nil {
		r.MustRegister(webSearchTool(d))
	}
}

func searchNotesTool(d Deps) *Tool {
	return &Tool{
		Name:        "search_notes",
		Description: "Search the knowledge base with hybrid lexical and semantic retrieval. Returns the most relevant note excerpts with their paths.",
		Schema: objectSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "What to search for"},
			"k":     map[string]any{"type": "integer", "description": "Maximum results to return", "minimum": 1, "maximum": 50},
		}, "query"),
		Handler: func(ctx context.Context, args map[string]any) (*Output, error) {
			query, _ := args["query"].(string)
			k := intArg(args, "k", 0)

			results, err := d.Retriever.Query(ctx, query, k)
			if errors.Is(err, retrieval.ErrNotReady) {
				return &Output{Content: "The knowledge base has not been indexed yet; no search results are available."}, nil
			}
			if err != nil {
				return nil, fmt.Errorf("search failed: %w", err)
			}
			if len(results) == 0 {
				return &Output{Content: "No matching notes found."}, nil
			}

			var b strings.Builder
			for i, r := range results {
				fmt.Fprintf(&b, "[%d] %s (score %.3f)\n%s\n\n", i+1, r.Path, r.FusedScore, r.Text)
			}
			return &Output{Content: strings.TrimSpace(b.String())}, nil
		},
	}
}

func readNoteTool(d Deps) *Tool {
	return &Tool{
		Name:        "read_note",
		Description: "Read the full content of a note by its vault-relative path.",
		Schema: objectSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "Vault-relative path, e.g. notes/go.md"},
		}, "path"),
		Handler: func(ctx context.Context, args map[string]any) (*Output, error) {
			path, _ := args["path"].(string)
			content, err := d.Vault.Read(path)
			if err != nil {
				return nil, err
			}
			return &Output{Content: string(content)}, nil
		},
	}
}

func listNotesTool(d Deps) *Tool {
	return &Tool{
		Name:        "list_notes",
		Description: "List notes and folders under a vault directory.",
		Schema: objectSchema(map[string]any{
			"dir": map[string]any{"type": "string", "description": "Vault-relative directory; empty for the vault root"},
		}),
		Handler: func(ctx context.Context, args map[string]any) (*Output, error) {
			dir, _ := args["dir"].(string)
			entries, err := d.Vault.List(dir)
			if err != nil {
				return nil, err
			}
			if len(entries) == 0 {
				return &Output{Content: "(empty)"}, nil
			}

			var b strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&b, "%s/\n", e.Path)
				} else {
					fmt.Fprintf(&b, "%s (%d bytes)\n", e.Path, e.Size)
				}
			}
			return &Output{Content: strings.TrimSpace(b.String())}, nil
		},
	}
}

func webSearchTool(d Deps) *Tool {
	return &Tool{
		Name:        "web_search",
		Description: "Search the web for information not present in the knowledge base.",
		Schema: objectSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query"},
		}, "query"),
		Handler: func(ctx context.Context, args map[string]any) (*Output, error) {
			query, _ := args["query"].(string)
			hits, err := d.Searcher.Search(ctx, query)
			if err != nil {
				return nil, fmt.Errorf("web search failed: %w", err)
			}
			if len(hits) == 0 {
				return &Output{Content: "No web results found."}, nil
			}

			var b strings.Builder
			for i, h := range hits {
				fmt.Fprintf(&b, "[%d] %s\n%s\n%s\n\n", i+1, h.Title, h.URL, h.Snippet)
			}
			return &Output{Content: strings.TrimSpace(b.String())}, nil
		},
	}
}

func createNoteTool(d Deps) *Tool {
	return &Tool{
		Name:        "create_note",
		Description: "Create a new markdown note. Fails if the note already exists; use update_note to change existing notes.",
		Mutating:    true,
		Schema: objectSchema(map[string]any{
			"path":    map[string]any{"type": "string", "description": "Vault-relative path ending in .md"},
			"content": map[string]any{"type": "string", "description": "Full markdown content of the new note"},
		}, "path", "content"),
		Handler: func(ctx context.Context, args map[string]any) (*Output, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)

			_, err := d.Vault.Read(path)
			if err == nil {
				return nil, fmt.Errorf("note %s already exists", path)
			}
			if errors.Is(err, vault.ErrOutsideVault) || errors.Is(err, vault.ErrNotMarkdown) {
				return nil, err
			}
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}

			return commitWrite(ctx, d, path, nil, []byte(content))
		},
	}
}

func updateNoteTool(d Deps) *Tool {
	return &Tool{
		Name:        "update_note",
		Description: "Replace the content of an existing markdown note. The previous version stays recoverable through the commit history.",
		Mutating:    true,
		Schema: objectSchema(map[string]any{
			"path":    map[string]any{"type": "string", "description": "Vault-relative path of an existing note"},
			"content": map[string]any{"type": "string", "description": "Full replacement markdown content"},
		}, "path", "content"),
		Handler: func(ctx context.Context, args map[string]any) (*Output, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)

			before, err := d.Vault.Read(path)
			if err != nil {
				return nil, fmt.Errorf("note %s does not exist: %w", path, err)
			}
			return commitWrite(ctx, d, path, before, []byte(content))
		},
	}
}

// commitWrite runs the verified-write protocol and reindexes the note.
func commitWrite(ctx context.Context, d Deps, path string, before, after []byte) (*Output, error) {
	commit, err := d.Vault.Write(path, after, vault.DiffSummary(before, after))
	if err != nil {
		return nil, err
	}
	if d.Indexer != nil {
		if _, err := d.Indexer.IndexFile(ctx, filepath.Join(d.Vault.Root(), path), nil); err != nil {
			// The write is committed; index staleness is recoverable.
			return &Output{
				Content:      fmt.Sprintf("Wrote %s (commit %s). Warning: reindex failed: %v", path, commit.ID, err),
				Commit:       commit,
				BytesWritten: len(after),
			}, nil
		}
	}
	return &Output{
		Content:      fmt.Sprintf("Wrote %s (%d bytes, commit %s, %s)", path, len(after), commit.ID, commit.DiffSummary),
		Commit:       commit,
		BytesWritten: len(after),
	}, nil
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}
