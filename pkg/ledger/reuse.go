package ledger

import (
	"github.com/mycelium-sh/mycelium/pkg/fingerprint"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

// DepCheck is the outcome of checking one external dependency
type DepCheck struct {
	DepID       string `json:"dep_id"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Satisfied   bool   `json:"satisfied"`
	Reason      string `json:"reason,omitempty"`
}

// CheckExternalDeps applies the reuse rule for one task: every
// external dependency must have a ledger entry whose stored
// fingerprint equals the dependency's current fingerprint on disk.
// depSpecs maps dep id to its spec as found on disk (archive or
// otherwise); a dep with no spec on disk cannot be fingerprinted and
// is unsatisfied.
func (l *Ledger) CheckExternalDeps(task *types.TaskSpec, depSpecs map[string]*types.TaskSpec) []DepCheck {
	var checks []DepCheck
	for _, depID := range task.Manifest.Dependencies {
		check := DepCheck{DepID: depID}

		entry := l.Entry(depID)
		if entry == nil {
			check.Reason = "no ledger entry"
			checks = append(checks, check)
			continue
		}
		if entry.Status != types.LedgerStatusComplete {
			check.Reason = "ledger entry not complete"
			checks = append(checks, check)
			continue
		}

		depSpec := depSpecs[depID]
		if depSpec == nil {
			check.Reason = "dependency spec not found on disk"
			checks = append(checks, check)
			continue
		}

		fp, err := fingerprint.ComputeFromFiles(depSpec.ManifestPath, depSpec.SpecPath)
		if err != nil {
			check.Reason = err.Error()
			checks = append(checks, check)
			continue
		}
		check.Fingerprint = fp

		if fp != entry.Fingerprint {
			check.Reason = "fingerprint mismatch"
			checks = append(checks, check)
			continue
		}

		check.Satisfied = true
		checks = append(checks, check)
	}
	return checks
}

// MissingDeps extracts the unsatisfied dep ids from a check list.
func MissingDeps(checks []DepCheck) []string {
	var missing []string
	for _, c := range checks {
		if !c.Satisfied {
			missing = append(missing, c.DepID)
		}
	}
	return missing
}
