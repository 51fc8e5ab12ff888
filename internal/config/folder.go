package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FolderConfig is per-folder configuration, read from a scribe.yaml file in
// any folder of the vault. Folders can carry an instruction file and a model
// override for conversations rooted under them.
type FolderConfig struct {
	// Folder is the vault-relative folder path ("" for the vault root).
	Folder string `yaml:"-"`

	// Model overrides the active model for this subtree, "provider:model" form.
	Model string `yaml:"model"`

	// Instructions is prose prepended to the system prompt for this subtree.
	Instructions string `yaml:"instructions"`

	// Mandatory marks the instructions as rules rather than advisory hints.
	Mandatory bool `yaml:"mandatory"`
}

const folderConfigName = "scribe.yaml"

// LoadFolderChain reads folder configs from the vault root down to the given
// folder, in root-to-leaf order. Folders without a scribe.yaml are skipped.
func LoadFolderChain(vault, folder string) ([]FolderConfig, error) {
	rel := strings.Trim(filepath.ToSlash(folder), "/")
	if rel == "." {
		rel = ""
	}
	if strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("folder %q escapes the vault", folder)
	}

	// Build the chain of directories root -> leaf.
	dirs := []string{""}
	if rel != "" {
		parts := strings.Split(rel, "/")
		for i := range parts {
			dirs = append(dirs, strings.Join(parts[:i+1], "/"))
		}
	}

	var chain []FolderConfig
	for _, d := range dirs {
		path := filepath.Join(vault, filepath.FromSlash(d), folderConfigName)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		var fc FolderConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		fc.Folder = d
		chain = append(chain, fc)
	}

	return chain, nil
}

// ResolveModel applies the model selection precedence: folder default first
// (walking root to leaf, first non-empty override wins), then the
// conversation override, then the global default.
func ResolveModel(chain []FolderConfig, conversationOverride, globalDefault string) string {
	for _, fc := range chain {
		if fc.Model != "" {
			return fc.Model
		}
	}
	if conversationOverride != "" {
		return conversationOverride
	}
	return globalDefault
}
