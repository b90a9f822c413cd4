package policy

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mycelium-sh/mycelium/pkg/config"
)

// RescopeStatus is the outcome of a rescope plan
type RescopeStatus string

const (
	RescopeUpdated RescopeStatus = "updated"
	RescopeNoop    RescopeStatus = "noop"
	RescopeFailed  RescopeStatus = "failed"
)

// Violation is one compliance finding against a task's declared scope
type Violation struct {
	// File changed but not declared in the task's write globs.
	File string `json:"file,omitempty"`
	// Resource required but not held.
	Resource string `json:"resource,omitempty"`
}

// RescopePlan widens a task's declared scope to cover its violations
type RescopePlan struct {
	Status     RescopeStatus `json:"status"`
	AddedLocks []string      `json:"added_locks,omitempty"`
	AddedFiles []string      `json:"added_files,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// PlanRescope maps each violating file to the resource that covers it,
// via the control-plane model first and the configured resource path
// sets second. The plan fails when any file's resource is entirely
// unmappable.
func PlanRescope(violations []Violation, model *Model, resources []config.Resource) *RescopePlan {
	plan := &RescopePlan{Status: RescopeNoop}
	lockSet := make(map[string]bool)
	fileSet := make(map[string]bool)

	for _, v := range violations {
		if v.Resource != "" {
			lockSet[v.Resource] = true
			continue
		}
		if v.File == "" {
			continue
		}

		resource := ""
		if owner := model.OwnerOf(v.File); owner != "" {
			resource = "component:" + owner
		} else {
			resource = resourceForPath(v.File, resources)
		}
		if resource == "" {
			plan.Status = RescopeFailed
			plan.Reason = fmt.Sprintf("no resource maps file %s", v.File)
			plan.AddedLocks = nil
			plan.AddedFiles = nil
			return plan
		}
		lockSet[resource] = true
		fileSet[v.File] = true
	}

	for lock := range lockSet {
		plan.AddedLocks = append(plan.AddedLocks, lock)
	}
	for file := range fileSet {
		plan.AddedFiles = append(plan.AddedFiles, file)
	}
	sort.Strings(plan.AddedLocks)
	sort.Strings(plan.AddedFiles)

	if len(plan.AddedLocks) > 0 || len(plan.AddedFiles) > 0 {
		plan.Status = RescopeUpdated
	}
	return plan
}

func resourceForPath(path string, resources []config.Resource) string {
	for _, r := range resources {
		for _, g := range r.Paths {
			if ok, err := doublestar.Match(g, path); err == nil && ok {
				return r.Name
			}
		}
	}
	return ""
}
