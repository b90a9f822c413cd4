package worker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelium-sh/mycelium/pkg/events"
)

func TestContainerNameDeterministicAndSanitized(t *testing.T) {
	a := ContainerName("demo", "run-1", "001", "alpha")
	b := ContainerName("demo", "run-1", "001", "alpha")
	assert.Equal(t, a, b)
	assert.Equal(t, "mycelium-demo-run-1-001-alpha", a)

	weird := ContainerName("my project!", "run/1", "001", "fix (urgent)")
	assert.NotContains(t, weird, " ")
	assert.NotContains(t, weird, "/")
	assert.NotContains(t, weird, "(")

	long := ContainerName("demo", "run-1", "001", strings.Repeat("x", 200))
	assert.LessOrEqual(t, len(long), maxContainerNameLen)
	assert.False(t, strings.HasSuffix(long, "-"))
}

func TestBuildEnv(t *testing.T) {
	spec := AttemptSpec{
		TaskID:            "001",
		Slug:              "alpha",
		Branch:            "agent/001-alpha",
		ManifestPath:      "/tasks/001/manifest.json",
		SpecPath:          "/tasks/001/spec.md",
		DoctorCmd:         "npm test",
		DoctorTimeout:     15 * time.Minute,
		LintCmd:           "npm run lint",
		LintTimeout:       5 * time.Minute,
		MaxRetries:        3,
		CheckpointCommits: true,
		TestPaths:         []string{"tests/**"},
		Bootstrap:         []string{"npm ci"},
		LogsDir:           "/logs/run-1/tasks/001-alpha",
	}

	env := BuildEnv(spec, []string{"PROVIDER_API_KEY=secret"})
	envMap := map[string]string{}
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		envMap[parts[0]] = parts[1]
	}

	assert.Equal(t, "001", envMap[EnvTaskID])
	assert.Equal(t, "agent/001-alpha", envMap[EnvTaskBranch])
	assert.Equal(t, "npm test", envMap[EnvDoctorCmd])
	assert.Equal(t, "15m0s", envMap[EnvDoctorTimeout])
	assert.Equal(t, "3", envMap[EnvMaxRetries])
	assert.Equal(t, "true", envMap[EnvCheckpointCommits])
	assert.Equal(t, `["tests/**"]`, envMap[EnvDefaultTestPaths])
	assert.Equal(t, `["npm ci"]`, envMap[EnvBootstrapCmds])
	assert.Equal(t, "secret", envMap["PROVIDER_API_KEY"])
}

func TestBuildEnvOmitsEmptyBootstrap(t *testing.T) {
	env := BuildEnv(AttemptSpec{TaskID: "001"}, nil)
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, EnvBootstrapCmds+"="))
	}
}

func attemptSpec(t *testing.T, taskID string) AttemptSpec {
	t.Helper()
	l, err := events.NewLogger(filepath.Join(t.TempDir(), "events.jsonl"), "run-1")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return AttemptSpec{TaskID: taskID, Slug: "alpha", Attempt: 1, EventLog: l}
}

func readTypes(t *testing.T, l *events.Logger) []string {
	t.Helper()
	page, err := events.ReadFromCursor(l.Path(), 0, 0)
	require.NoError(t, err)
	var out []string
	for _, e := range page.Events {
		out = append(out, e.Type)
	}
	return out
}

func TestLocalRunnerSuccess(t *testing.T) {
	spec := attemptSpec(t, "001")
	r := NewLocalRunner("demo", "run-1", func(ctx context.Context, s AttemptSpec) error {
		return nil
	})

	res, err := r.RunAttempt(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.ContainerID)

	assert.Equal(t, []string{events.TypeWorkerLocalStart, events.TypeWorkerLocalComplete}, readTypes(t, spec.EventLog))
}

func TestLocalRunnerFailure(t *testing.T) {
	spec := attemptSpec(t, "001")
	r := NewLocalRunner("demo", "run-1", func(ctx context.Context, s AttemptSpec) error {
		return errors.New("doctor failed")
	})

	res, err := r.RunAttempt(context.Background(), spec)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "doctor failed", res.ErrorMessage)

	assert.Equal(t, []string{events.TypeWorkerLocalStart, events.TypeWorkerLocalError}, readTypes(t, spec.EventLog))
}

func TestLocalRunnerResumeResetsToPending(t *testing.T) {
	spec := attemptSpec(t, "001")
	r := NewLocalRunner("demo", "run-1", func(ctx context.Context, s AttemptSpec) error { return nil })

	res, err := r.ResumeAttempt(context.Background(), spec, "whatever")
	require.NoError(t, err)
	assert.True(t, res.ResetToPending)
	assert.False(t, res.Success)
}

func TestStreamWriterPassesThroughJSONLEvents(t *testing.T) {
	l, err := events.NewLogger(filepath.Join(t.TempDir(), "events.jsonl"), "run-1")
	require.NoError(t, err)
	defer l.Close()

	w := newStreamWriter(l, "001", "stdout")
	_, err = w.Write([]byte(`{"ts":"2025-01-01T00:00:00Z","type":"turn.completed","payload":{"attempt":1}}` + "\n"))
	require.NoError(t, err)

	page, err := events.ReadFromCursor(l.Path(), 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "turn.completed", page.Events[0].Type)
	assert.Equal(t, "001", page.Events[0].TaskID)
	assert.Equal(t, "run-1", page.Events[0].RunID)
}

func TestStreamWriterWrapsUnparseableLines(t *testing.T) {
	l, err := events.NewLogger(filepath.Join(t.TempDir(), "events.jsonl"), "run-1")
	require.NoError(t, err)
	defer l.Close()

	w := newStreamWriter(l, "001", "stderr")
	_, err = w.Write([]byte("npm WARN deprecated\n"))
	require.NoError(t, err)

	page, err := events.ReadFromCursor(l.Path(), 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "worker.output", page.Events[0].Type)
	assert.Equal(t, "stderr", page.Events[0].Payload["stream"])
	assert.Equal(t, "npm WARN deprecated", page.Events[0].Payload["line"])
}

func TestStreamWriterBuffersPartialLines(t *testing.T) {
	l, err := events.NewLogger(filepath.Join(t.TempDir(), "events.jsonl"), "run-1")
	require.NoError(t, err)
	defer l.Close()

	w := newStreamWriter(l, "001", "stdout")
	_, err = w.Write([]byte(`{"type":"turn.com`))
	require.NoError(t, err)

	page, err := events.ReadFromCursor(l.Path(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Events)

	_, err = w.Write([]byte("pleted\"}\n"))
	require.NoError(t, err)

	page, err = events.ReadFromCursor(l.Path(), 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "turn.completed", page.Events[0].Type)
}
