package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mycelium-sh/mycelium/pkg/log"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

// ErrUnknownResource marks a lock referencing a resource that is not
// in the configured resource set.
var ErrUnknownResource = errors.New("unknown resource")

// ManifestFileName and SpecFileName are the two files a task directory
// must contain.
const (
	ManifestFileName = "manifest.json"
	SpecFileName     = "spec.md"
)

// Options controls catalog scanning
type Options struct {
	// KnownResources validates locks.reads/writes when non-nil; any
	// lock naming an unlisted resource is a hard error.
	KnownResources map[string]bool

	// Strict makes the first validation error abort the scan. When
	// false, errors are collected and returned alongside the tasks
	// that did validate.
	Strict bool
}

// ScanResult is the outcome of a catalog scan
type ScanResult struct {
	Tasks  []*types.TaskSpec
	Errors []error
}

// Catalog discovers and validates task specs on disk
type Catalog struct {
	root   string
	logger zerolog.Logger
}

// New creates a catalog over the given tasks directory.
func New(root string) *Catalog {
	return &Catalog{root: root, logger: log.WithComponent("catalog")}
}

// Root returns the tasks directory.
func (c *Catalog) Root() string {
	return c.root
}

// Scan discovers tasks under either the staged layout (backlog/,
// active/, archive/<run_id>/) or the legacy flat layout, validates
// each manifest, checks the dependency graph is acyclic, and returns
// tasks in stable order.
func (c *Catalog) Scan(opts Options) (*ScanResult, error) {
	res := &ScanResult{}

	staged := false
	for _, bucket := range []string{"backlog", "active", "archive"} {
		if info, err := os.Stat(filepath.Join(c.root, bucket)); err == nil && info.IsDir() {
			staged = true
			break
		}
	}

	if staged {
		if err := c.scanBucket(filepath.Join(c.root, "backlog"), types.TaskStageBacklog, opts, res); err != nil {
			return nil, err
		}
		if err := c.scanBucket(filepath.Join(c.root, "active"), types.TaskStageActive, opts, res); err != nil {
			return nil, err
		}
	} else {
		if err := c.scanBucket(c.root, types.TaskStageLegacy, opts, res); err != nil {
			return nil, err
		}
	}

	SortTasks(res.Tasks)

	if err := c.checkUnique(res.Tasks, opts, res); err != nil {
		return nil, err
	}
	if err := c.checkCycles(res.Tasks, opts, res); err != nil {
		return nil, err
	}

	return res, nil
}

func (c *Catalog) scanBucket(dir string, stage types.TaskStage, opts Options, res *ScanResult) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read tasks directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(taskDir, ManifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			// Not a task directory.
			continue
		}

		task, err := c.loadTask(taskDir, entry.Name(), stage, opts)
		if err != nil {
			if opts.Strict {
				return err
			}
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Tasks = append(res.Tasks, task)
	}
	return nil
}

func (c *Catalog) loadTask(dir, dirName string, stage types.TaskStage, opts Options) (*types.TaskSpec, error) {
	manifestPath := filepath.Join(dir, ManifestFileName)
	specPath := filepath.Join(dir, SpecFileName)

	if _, err := os.Stat(specPath); err != nil {
		return nil, fmt.Errorf("task %s: missing %s", dirName, SpecFileName)
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("task %s: failed to read manifest: %w", dirName, err)
	}

	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", dirName, err)
	}

	id := manifest.ID
	if id == "" {
		id = idFromDirName(dirName)
	}
	if id == "" {
		return nil, fmt.Errorf("task %s: no task id in manifest or directory name", dirName)
	}

	if err := ValidateManifest(manifest, opts.KnownResources); err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}

	return &types.TaskSpec{
		ID:           id,
		Name:         manifest.Name,
		Slug:         Slugify(manifest.Name),
		Stage:        stage,
		Dir:          dir,
		ManifestPath: manifestPath,
		SpecPath:     specPath,
		Manifest:     *manifest,
	}, nil
}

// ParseManifest strictly decodes a manifest document. Unknown fields
// are schema errors.
func ParseManifest(data []byte) (*types.Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	m := &types.Manifest{}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return m, nil
}

// ValidateManifest checks schema constraints beyond decoding.
func ValidateManifest(m *types.Manifest, knownResources map[string]bool) error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	switch m.TDDMode {
	case "", types.TDDModeOff, types.TDDModeStrict:
	default:
		return fmt.Errorf("manifest: invalid tdd_mode %q", m.TDDMode)
	}
	if m.TDDMode == types.TDDModeStrict && m.Verify.Fast == "" {
		return fmt.Errorf("manifest: tdd_mode strict requires verify.fast")
	}
	if knownResources != nil {
		for _, name := range append(append([]string{}, m.Locks.Reads...), m.Locks.Writes...) {
			if !knownResources[name] {
				return fmt.Errorf("manifest: lock %q: %w", name, ErrUnknownResource)
			}
		}
	}
	return nil
}

func (c *Catalog) checkUnique(tasks []*types.TaskSpec, opts Options, res *ScanResult) error {
	seen := make(map[string]bool, len(tasks))
	kept := tasks[:0]
	for _, t := range tasks {
		if seen[t.ID] {
			err := fmt.Errorf("duplicate task id %s", t.ID)
			if opts.Strict {
				return err
			}
			res.Errors = append(res.Errors, err)
			continue
		}
		seen[t.ID] = true
		kept = append(kept, t)
	}
	res.Tasks = kept
	return nil
}

// checkCycles rejects dependency cycles. The graph is a DAG by schema.
func (c *Catalog) checkCycles(tasks []*types.TaskSpec, opts Options, res *ScanResult) error {
	byID := make(map[string]*types.TaskSpec, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range byID[id].Manifest.Dependencies {
			depTask, ok := byID[dep]
			if !ok {
				// External dep: satisfied (or not) via the ledger.
				continue
			}
			switch color[depTask.ID] {
			case gray:
				return fmt.Errorf("dependency cycle involving tasks %s and %s", id, dep)
			case white:
				if err := visit(depTask.ID); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if err := visit(t.ID); err != nil {
				if opts.Strict {
					return err
				}
				res.Errors = append(res.Errors, err)
				return nil
			}
		}
	}
	return nil
}

// SortTasks orders tasks numerically when every id parses as an
// integer, lexicographically otherwise.
func SortTasks(tasks []*types.TaskSpec) {
	allNumeric := true
	for _, t := range tasks {
		if _, err := strconv.Atoi(t.ID); err != nil {
			allNumeric = false
			break
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if allNumeric {
			a, _ := strconv.Atoi(tasks[i].ID)
			b, _ := strconv.Atoi(tasks[j].ID)
			return a < b
		}
		return tasks[i].ID < tasks[j].ID
	})
}

var (
	slugInvalid  = regexp.MustCompile(`[^a-z0-9]+`)
	idDirPattern = regexp.MustCompile(`^([A-Za-z0-9]+)(?:-.*)?$`)
)

// Slugify converts a task name to its filename-friendly form.
func Slugify(name string) string {
	slug := strings.ToLower(name)
	slug = slugInvalid.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "task"
	}
	return slug
}

func idFromDirName(dirName string) string {
	m := idDirPattern.FindStringSubmatch(dirName)
	if m == nil {
		return ""
	}
	return m[1]
}
