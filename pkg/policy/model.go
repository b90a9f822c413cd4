package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Component is one ownership unit in the control-plane code graph
type Component struct {
	ID    string   `json:"id"`
	Roots []string `json:"roots"`
}

// Model is the read-only code-graph input to policy, loaded from
// .mycelium/control-plane/models/<base_sha>/model.json.
type Model struct {
	BaseSHA    string      `json:"base_sha,omitempty"`
	Components []Component `json:"components"`
}

// LoadModel reads the model document for a frozen base SHA. A missing
// model is not an error: ownership resolution simply falls back.
func LoadModel(repoPath, baseSHA string) (*Model, error) {
	path := filepath.Join(repoPath, ".mycelium", "control-plane", "models", baseSHA, "model.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read control-plane model: %w", err)
	}
	m := &Model{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse control-plane model: %w", err)
	}
	return m, nil
}

// OwnerOf resolves the component owning a path. Roots are matched as
// directory prefixes or doublestar globs; the longest-rooted match
// wins so nested components shadow their parents. Returns "" when no
// component owns the path.
func (m *Model) OwnerOf(path string) string {
	if m == nil {
		return ""
	}
	path = filepath.ToSlash(path)

	bestID := ""
	bestLen := -1
	for _, c := range m.Components {
		for _, root := range c.Roots {
			root = filepath.ToSlash(root)
			if matchRoot(root, path) && len(root) > bestLen {
				bestID = c.ID
				bestLen = len(root)
			}
		}
	}
	return bestID
}

// Owners resolves a set of paths to the sorted set of owning
// components and the subset of paths nothing owns.
func (m *Model) Owners(paths []string) (owners []string, unowned []string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		id := m.OwnerOf(p)
		if id == "" {
			unowned = append(unowned, p)
			continue
		}
		if !seen[id] {
			seen[id] = true
			owners = append(owners, id)
		}
	}
	sort.Strings(owners)
	return owners, unowned
}

func matchRoot(root, path string) bool {
	if strings.ContainsAny(root, "*?[{") {
		ok, err := doublestar.Match(root, path)
		return err == nil && ok
	}
	root = strings.TrimSuffix(root, "/")
	return path == root || strings.HasPrefix(path, root+"/")
}
