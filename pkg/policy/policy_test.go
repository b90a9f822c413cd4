package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelium-sh/mycelium/pkg/config"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

func TestClassifyTierTable(t *testing.T) {
	tests := []struct {
		name string
		in   TierInput
		want int
	}{
		{"migration surface", TierInput{Surfaces: []string{SurfaceMigration}}, 3},
		{"contract plus config", TierInput{Surfaces: []string{SurfaceConfig, SurfaceContract}}, 3},
		{"fallback with wide impact", TierInput{RepoRootFallback: true, ImpactedComponentCount: 4}, 3},
		{"contract alone", TierInput{Surfaces: []string{SurfaceContract}}, 2},
		{"config alone", TierInput{Surfaces: []string{SurfaceConfig}}, 2},
		{"public entrypoint alone", TierInput{Surfaces: []string{SurfacePublicEntrypoint}}, 2},
		{"wide impact alone", TierInput{ImpactedComponentCount: 4}, 2},
		{"fallback alone", TierInput{RepoRootFallback: true}, 2},
		{"fallback narrow impact", TierInput{RepoRootFallback: true, ImpactedComponentCount: 3}, 2},
		{"two components", TierInput{ImpactedComponentCount: 2}, 1},
		{"three touched", TierInput{TouchedComponentCount: 3}, 1},
		{"single component", TierInput{ImpactedComponentCount: 1}, 0},
		{"nothing", TierInput{}, 0},
		{"negative counts floored", TierInput{ImpactedComponentCount: -5, TouchedComponentCount: -2}, 0},
		{"impacted is max of counts", TierInput{ImpactedComponentCount: 1, TouchedComponentCount: 4}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTier(tt.in))
		})
	}
}

func TestMatchSurfacesDefaults(t *testing.T) {
	tests := []struct {
		name    string
		changed []string
		want    []string
	}{
		{"proto contract", []string{"api/v1/service.proto"}, []string{SurfaceContract}},
		{"migration dir", []string{"db/migrations/0001_init.sql"}, []string{SurfaceMigration}},
		{"k8s config", []string{"deploy/k8s/app.yaml"}, []string{SurfaceConfig}},
		{"entry point", []string{"cmd/api/main.go"}, []string{SurfacePublicEntrypoint}},
		{"plain source", []string{"internal/service/user.go"}, nil},
		{
			"multiple",
			[]string{"api/openapi.yaml", "config/app.toml"},
			[]string{SurfaceConfig, SurfaceContract},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchSurfaces(tt.changed, nil))
		})
	}
}

func testModel() *Model {
	return &Model{
		Components: []Component{
			{ID: "auth", Roots: []string{"src/auth"}},
			{ID: "billing", Roots: []string{"src/billing"}},
			{ID: "billing-api", Roots: []string{"src/billing/api"}},
		},
	}
}

func TestOwnerOfLongestRootWins(t *testing.T) {
	m := testModel()
	assert.Equal(t, "auth", m.OwnerOf("src/auth/login.go"))
	assert.Equal(t, "billing", m.OwnerOf("src/billing/invoice.go"))
	assert.Equal(t, "billing-api", m.OwnerOf("src/billing/api/handler.go"))
	assert.Equal(t, "", m.OwnerOf("docs/readme.md"))
}

func TestDecideDerivedLocksExclusiveComponents(t *testing.T) {
	task := &types.TaskSpec{
		ID: "001",
		Manifest: types.Manifest{
			Locks: types.LockSet{Writes: []string{"auth"}},
		},
	}
	opts := Options{LockMode: types.LockModeDerived, FallbackResource: "repo-root"}

	d := Decide(task, testModel(), []string{"src/auth/login.go", "src/auth/token.go"}, types.EnforcementWarn, opts)

	assert.Equal(t, []string{"component:auth"}, d.EffectiveWrites)
	assert.Empty(t, d.Widenings)
	assert.False(t, d.RepoRootFallback)
	// Declared locks preserved for audit.
	assert.Equal(t, []string{"auth"}, d.DeclaredLocks.Writes)
}

func TestDecideDerivedLocksWidenToFallback(t *testing.T) {
	task := &types.TaskSpec{ID: "001"}
	opts := Options{LockMode: types.LockModeDerived, FallbackResource: "repo-root"}

	d := Decide(task, testModel(), []string{"scripts/orphan.sh"}, types.EnforcementWarn, opts)

	assert.Equal(t, []string{"repo-root"}, d.EffectiveWrites)
	assert.True(t, d.RepoRootFallback)
	require.Len(t, d.Widenings, 1)
	assert.Contains(t, d.Widenings[0], "scripts/orphan.sh")
	assert.Contains(t, d.Widenings[0], "repo-root")
}

func TestDecideSurfaceLocks(t *testing.T) {
	model := &Model{Components: []Component{{ID: "api", Roots: []string{"api"}}}}
	task := &types.TaskSpec{ID: "001"}
	opts := Options{
		LockMode:         types.LockModeDerived,
		FallbackResource: "repo-root",
		SurfaceLocks:     true,
	}

	d := Decide(task, model, []string{"api/openapi.yaml"}, types.EnforcementWarn, opts)

	assert.Equal(t, []string{"component:api", "surface:api"}, d.EffectiveWrites)
	assert.Contains(t, d.Surfaces, SurfaceContract)
}

func TestDecideDeclaredModePassesLocksThrough(t *testing.T) {
	task := &types.TaskSpec{
		ID:       "001",
		Manifest: types.Manifest{Locks: types.LockSet{Writes: []string{"core", "db"}}},
	}

	d := Decide(task, testModel(), []string{"src/auth/login.go"}, types.EnforcementWarn, Options{LockMode: types.LockModeDeclared})
	assert.Equal(t, []string{"core", "db"}, d.EffectiveWrites)
}

func TestEffectiveEnforcement(t *testing.T) {
	assert.Equal(t, types.EnforcementBlock, EffectiveEnforcement(types.EnforcementWarn, 2))
	assert.Equal(t, types.EnforcementBlock, EffectiveEnforcement(types.EnforcementWarn, 3))
	assert.Equal(t, types.EnforcementWarn, EffectiveEnforcement(types.EnforcementWarn, 1))
	assert.Equal(t, types.EnforcementOff, EffectiveEnforcement(types.EnforcementOff, 3))
	assert.Equal(t, types.EnforcementBlock, EffectiveEnforcement(types.EnforcementBlock, 0))
}

func TestPlanRescope(t *testing.T) {
	model := testModel()
	resources := []config.Resource{{Name: "docs", Paths: []string{"docs/**"}}}

	plan := PlanRescope([]Violation{
		{File: "src/auth/session.go"},
		{File: "docs/api.md"},
		{Resource: "db"},
	}, model, resources)

	assert.Equal(t, RescopeUpdated, plan.Status)
	assert.Equal(t, []string{"component:auth", "db", "docs"}, plan.AddedLocks)
	assert.Equal(t, []string{"docs/api.md", "src/auth/session.go"}, plan.AddedFiles)
}

func TestPlanRescopeFailsOnUnmappableFile(t *testing.T) {
	plan := PlanRescope([]Violation{{File: "mystery/thing.bin"}}, testModel(), nil)

	assert.Equal(t, RescopeFailed, plan.Status)
	assert.Empty(t, plan.AddedLocks)
	assert.Contains(t, plan.Reason, "mystery/thing.bin")
}

func TestPlanRescopeNoop(t *testing.T) {
	plan := PlanRescope(nil, testModel(), nil)
	assert.Equal(t, RescopeNoop, plan.Status)
}
