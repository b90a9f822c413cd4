package policy

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mycelium-sh/mycelium/pkg/types"
)

// Surface categories derived from changed paths
const (
	SurfaceContract        = "contract"
	SurfaceConfig          = "config"
	SurfaceMigration       = "migration"
	SurfacePublicEntrypoint = "public-entrypoint"
)

// DefaultSurfacePatterns returns the built-in glob sets per category.
func DefaultSurfacePatterns() map[string][]string {
	return map[string][]string{
		SurfaceContract: {
			"**/openapi*.{yml,yaml,json}",
			"**/*.proto",
			"**/*.graphql",
			"**/schema/**",
		},
		SurfaceConfig: {
			"**/.env*",
			"**/config/**",
			"**/k8s/**",
			"**/helm/**",
		},
		SurfaceMigration: {
			"**/migrations/**",
			"**/migrate/**",
		},
		SurfacePublicEntrypoint: {
			"**/index.{js,ts}",
			"**/main.go",
			"**/cmd/**/main.go",
			"**/package.json",
		},
	}
}

// MatchSurfaces returns the sorted surface categories whose patterns
// match any of the changed paths.
func MatchSurfaces(changed []string, patterns map[string][]string) []string {
	if patterns == nil {
		patterns = DefaultSurfacePatterns()
	}
	var out []string
	for category, globs := range patterns {
		matched := false
		for _, g := range globs {
			for _, path := range changed {
				if ok, err := doublestar.Match(g, filepath.ToSlash(path)); err == nil && ok {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if matched {
			out = append(out, category)
		}
	}
	sort.Strings(out)
	return out
}

// TierInput are the signals tier classification collapses
type TierInput struct {
	Surfaces               []string
	ImpactedComponentCount int
	TouchedComponentCount  int
	RepoRootFallback       bool
}

// ClassifyTier maps blast-radius signals to an autonomy tier 0-3.
func ClassifyTier(in TierInput) int {
	impacted := in.ImpactedComponentCount
	if in.TouchedComponentCount > impacted {
		impacted = in.TouchedComponentCount
	}
	if impacted < 0 {
		impacted = 0
	}

	has := func(s string) bool {
		for _, x := range in.Surfaces {
			if x == s {
				return true
			}
		}
		return false
	}

	if has(SurfaceMigration) || (has(SurfaceContract) && has(SurfaceConfig)) {
		return 3
	}
	if in.RepoRootFallback && impacted >= 4 {
		return 3
	}
	if len(in.Surfaces) > 0 || impacted >= 4 || in.RepoRootFallback {
		return 2
	}
	if impacted >= 2 {
		return 1
	}
	return 0
}

// Options configures lock derivation
type Options struct {
	LockMode         types.LockMode
	FallbackResource string
	SurfaceLocks     bool
	SurfacePatterns  map[string][]string
}

// Decision is the per-task policy outcome persisted for audit
type Decision struct {
	TaskID           string        `json:"task_id"`
	Tier             int           `json:"tier"`
	DeclaredLocks    types.LockSet `json:"declared_locks"`
	EffectiveWrites  []string      `json:"effective_writes"`
	Surfaces         []string      `json:"surfaces,omitempty"`
	Widenings        []string      `json:"widenings,omitempty"`
	Enforcement      types.Enforcement `json:"enforcement"`
	RepoRootFallback bool          `json:"repo_root_fallback,omitempty"`
}

// Decide computes the effective write locks and tier for a task. In
// declared mode (or with no model) the declared locks pass through
// unexpanded. In derived mode the declared write globs are resolved to
// component ownership; files no component owns widen the lock set to
// the fallback resource, and each widening is preserved as a note.
func Decide(task *types.TaskSpec, model *Model, files []string, base types.Enforcement, opts Options) *Decision {
	d := &Decision{
		TaskID:        task.ID,
		DeclaredLocks: task.Manifest.Locks,
	}

	if len(files) == 0 {
		files = task.Manifest.Files.Write
	}
	d.Surfaces = MatchSurfaces(files, opts.SurfacePatterns)

	if opts.LockMode != types.LockModeDerived || model == nil {
		d.EffectiveWrites = append([]string{}, task.Manifest.Locks.Writes...)
		d.Tier = ClassifyTier(TierInput{Surfaces: d.Surfaces})
		d.Enforcement = EffectiveEnforcement(base, d.Tier)
		return d
	}

	owners, unowned := model.Owners(files)

	writes := make([]string, 0, len(owners)+1)
	for _, id := range owners {
		writes = append(writes, "component:"+id)
	}
	if opts.SurfaceLocks {
		for _, id := range owners {
			if ownerHasSurface(model, id, files, opts.SurfacePatterns) {
				writes = append(writes, "surface:"+id)
			}
		}
	}
	if len(unowned) > 0 {
		fallback := opts.FallbackResource
		if fallback == "" {
			fallback = "repo-root"
		}
		writes = append(writes, fallback)
		d.RepoRootFallback = true
		for _, p := range unowned {
			d.Widenings = append(d.Widenings, fmt.Sprintf("%s: no owning component, widened to %s", p, fallback))
		}
	}
	sort.Strings(writes)
	d.EffectiveWrites = writes

	d.Tier = ClassifyTier(TierInput{
		Surfaces:               d.Surfaces,
		ImpactedComponentCount: len(owners),
		TouchedComponentCount:  len(owners),
		RepoRootFallback:       d.RepoRootFallback,
	})
	d.Enforcement = EffectiveEnforcement(base, d.Tier)
	return d
}

func ownerHasSurface(model *Model, componentID string, files []string, patterns map[string][]string) bool {
	var owned []string
	for _, f := range files {
		if model.OwnerOf(f) == componentID {
			owned = append(owned, f)
		}
	}
	return len(MatchSurfaces(owned, patterns)) > 0
}

// EffectiveEnforcement upgrades warn to block at tier 2 and above.
// Off is never upgraded.
func EffectiveEnforcement(base types.Enforcement, tier int) types.Enforcement {
	if base == types.EnforcementWarn && tier >= 2 {
		return types.EnforcementBlock
	}
	return base
}
