package worker

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/mycelium-sh/mycelium/pkg/config"
	"github.com/mycelium-sh/mycelium/pkg/events"
	"github.com/mycelium-sh/mycelium/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace for mycelium workers
	DefaultNamespace = "mycelium"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	workspaceMountPath = "/workspace"
	logsMountPath      = "/var/log/mycelium"
)

// ContainerdRunner executes worker attempts in containers.
type ContainerdRunner struct {
	client    *containerd.Client
	namespace string
	project   string
	runID     string
	docker    config.DockerConfig

	// Passthrough carries provider credential env vars into workers.
	Passthrough []string

	logger zerolog.Logger
}

// NewContainerdRunner connects to containerd and creates a runner for
// one run.
func NewContainerdRunner(socketPath, project, runID string, docker config.DockerConfig) (*ContainerdRunner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &ContainerdRunner{
		client:    client,
		namespace: DefaultNamespace,
		project:   project,
		runID:     runID,
		docker:    docker,
		logger:    log.WithComponent("worker"),
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRunner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Prepare pulls the worker image so attempts do not race the pull.
func (r *ContainerdRunner) Prepare(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	if _, err := r.client.GetImage(ctx, r.docker.Image); err == nil {
		return nil
	}
	if _, err := r.client.Pull(ctx, r.docker.Image, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.docker.Image, err)
	}
	return nil
}

// RunAttempt creates and runs a worker container to completion.
func (r *ContainerdRunner) RunAttempt(ctx context.Context, spec AttemptSpec) (*AttemptResult, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	name := ContainerName(r.project, r.runID, spec.TaskID, spec.Slug)

	// A stale container with the same name belongs to a previous
	// attempt and is replaced.
	if err := r.removeByID(ctx, name); err != nil {
		return nil, err
	}

	container, err := r.createContainer(ctx, name, spec)
	if err != nil {
		return nil, err
	}

	if spec.OnContainerReady != nil {
		// Persist the id before the container runs so resume can find
		// it even if this process dies mid-attempt.
		if err := spec.OnContainerReady(container.ID()); err != nil {
			return nil, fmt.Errorf("failed to record container id: %w", err)
		}
	}
	_ = spec.EventLog.EmitTask(events.TypeContainerCreate, spec.TaskID, map[string]any{
		"container_id": container.ID(),
		"image":        r.docker.Image,
	})

	stdout := newStreamWriter(spec.EventLog, spec.TaskID, "stdout")
	stderr := newStreamWriter(spec.EventLog, spec.TaskID, "stderr")
	defer stdout.Flush()
	defer stderr.Flush()

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return nil, fmt.Errorf("failed to create container task: %w", err)
	}

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait on container task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	_ = spec.EventLog.EmitTask(events.TypeContainerStart, spec.TaskID, map[string]any{
		"container_id": container.ID(),
	})

	res := &AttemptResult{ContainerID: container.ID()}
	select {
	case status := <-exitCh:
		code, _, serr := status.Result()
		if serr != nil {
			return nil, fmt.Errorf("failed to read container exit status: %w", serr)
		}
		_ = spec.EventLog.EmitTask(events.TypeContainerExit, spec.TaskID, map[string]any{
			"container_id": container.ID(),
			"exit_code":    code,
		})
		if _, derr := task.Delete(ctx); derr != nil {
			r.logger.Warn().Err(derr).Str("container_id", container.ID()).Msg("Failed to delete container task")
		}
		res.Success = code == 0
		if code != 0 {
			res.ErrorMessage = fmt.Sprintf("worker exited with code %d", code)
		}
		return res, nil

	case <-ctx.Done():
		// Cancelled: soft-kill and let resume or stop decide the rest.
		_ = task.Kill(context.Background(), syscall.SIGTERM)
		return nil, ctx.Err()
	}
}

// ResumeAttempt reattaches to a container from a previous process. The
// hint is tried as a label match first, then as an id or id prefix,
// then the deterministic name.
func (r *ContainerdRunner) ResumeAttempt(ctx context.Context, spec AttemptSpec, containerIDHint string) (*AttemptResult, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.findContainer(ctx, spec, containerIDHint)
	if err != nil {
		return nil, err
	}
	if container == nil {
		_ = spec.EventLog.EmitTask(events.TypeContainerMissing, spec.TaskID, map[string]any{
			"container_id_hint": containerIDHint,
		})
		return &AttemptResult{ResetToPending: true}, nil
	}

	res := &AttemptResult{ContainerID: container.ID()}

	stdout := newStreamWriter(spec.EventLog, spec.TaskID, "stdout")
	stderr := newStreamWriter(spec.EventLog, spec.TaskID, "stderr")
	defer stdout.Flush()
	defer stderr.Flush()

	task, err := container.Task(ctx, cio.NewAttach(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		if errdefs.IsNotFound(err) {
			// The container exists but its task is gone: it exited and
			// was reaped.
			_ = spec.EventLog.EmitTask(events.TypeContainerExitedOnResume, spec.TaskID, map[string]any{
				"container_id": container.ID(),
			})
			return &AttemptResult{ContainerID: container.ID(), ResetToPending: true}, nil
		}
		return nil, fmt.Errorf("failed to attach to container task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read container status: %w", err)
	}

	if status.Status == containerd.Stopped {
		_ = spec.EventLog.EmitTask(events.TypeContainerExitedOnResume, spec.TaskID, map[string]any{
			"container_id": container.ID(),
			"exit_code":    status.ExitStatus,
		})
		if _, derr := task.Delete(ctx); derr != nil {
			r.logger.Warn().Err(derr).Str("container_id", container.ID()).Msg("Failed to delete exited task")
		}
		res.Success = status.ExitStatus == 0
		if !res.Success {
			res.ErrorMessage = fmt.Sprintf("worker exited with code %d", status.ExitStatus)
		}
		return res, nil
	}

	_ = spec.EventLog.EmitTask(events.TypeContainerReattach, spec.TaskID, map[string]any{
		"container_id": container.ID(),
	})

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait on reattached task: %w", err)
	}

	select {
	case st := <-exitCh:
		code, _, serr := st.Result()
		if serr != nil {
			return nil, fmt.Errorf("failed to read container exit status: %w", serr)
		}
		_ = spec.EventLog.EmitTask(events.TypeContainerExit, spec.TaskID, map[string]any{
			"container_id": container.ID(),
			"exit_code":    code,
		})
		if _, derr := task.Delete(ctx); derr != nil {
			r.logger.Warn().Err(derr).Str("container_id", container.ID()).Msg("Failed to delete container task")
		}
		res.Success = code == 0
		if code != 0 {
			res.ErrorMessage = fmt.Sprintf("worker exited with code %d", code)
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop halts every container labeled with this project and run.
func (r *ContainerdRunner) Stop(ctx context.Context, opts StopOptions) (*StopResult, error) {
	res := &StopResult{}
	if !opts.StopContainersOnExit {
		return res, nil
	}

	ctx = namespaces.WithNamespace(ctx, r.namespace)
	filters := []string{
		fmt.Sprintf(`labels.%q==%s`, LabelProject, r.project),
		fmt.Sprintf(`labels.%q==%s`, LabelRunID, r.runID),
	}
	containers, err := r.client.Containers(ctx, strings.Join(filters, ","))
	if err != nil {
		return nil, fmt.Errorf("failed to list run containers: %w", err)
	}

	for _, c := range containers {
		if err := r.stopAndRemove(ctx, c); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("container %s: %w", c.ID(), err))
			r.logger.Error().Err(err).Str("container_id", c.ID()).Msg("Failed to stop container")
			if opts.Events != nil {
				_ = opts.Events.Emit(events.TypeContainerStopFailed, map[string]any{
					"container_id": c.ID(),
					"error":        err.Error(),
				})
			}
			continue
		}
		res.Stopped++
		if opts.Events != nil {
			_ = opts.Events.Emit(events.TypeContainerStop, map[string]any{
				"container_id": c.ID(),
			})
		}
	}
	return res, nil
}

// CleanupTask removes the task's container if it still exists.
func (r *ContainerdRunner) CleanupTask(ctx context.Context, taskID, slug string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	return r.removeByID(ctx, ContainerName(r.project, r.runID, taskID, slug))
}

func (r *ContainerdRunner) createContainer(ctx context.Context, name string, spec AttemptSpec) (containerd.Container, error) {
	image, err := r.client.GetImage(ctx, r.docker.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to get image %s: %w", r.docker.Image, err)
	}

	env := BuildEnv(spec, r.Passthrough)
	env = append(env, "MYCELIUM_NETWORK_MODE="+r.docker.NetworkMode)

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithProcessCwd(workspaceMountPath),
		oci.WithMounts([]specs.Mount{
			{
				Source:      spec.Workspace,
				Destination: workspaceMountPath,
				Type:        "bind",
				Options:     []string{"rw", "rbind"},
			},
			{
				Source:      spec.LogsDir,
				Destination: logsMountPath,
				Type:        "bind",
				Options:     []string{"rw", "rbind"},
			},
		}),
	}

	if r.docker.User != "" {
		opts = append(opts, oci.WithUser(r.docker.User))
	}
	if r.docker.CPUQuota > 0 {
		opts = append(opts, oci.WithCPUCFS(r.docker.CPUQuota, 100000))
	}
	if r.docker.MemoryMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(r.docker.MemoryMB)*1024*1024))
	}
	if r.docker.PidsLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(r.docker.PidsLimit))
	}

	container, err := r.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithContainerLabels(Labels(r.project, r.runID, spec)),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	return container, nil
}

func (r *ContainerdRunner) findContainer(ctx context.Context, spec AttemptSpec, hint string) (containerd.Container, error) {
	// By label first: the authoritative match.
	filters := []string{
		fmt.Sprintf(`labels.%q==%s`, LabelProject, r.project),
		fmt.Sprintf(`labels.%q==%s`, LabelRunID, r.runID),
		fmt.Sprintf(`labels.%q==%s`, LabelTaskID, spec.TaskID),
	}
	containers, err := r.client.Containers(ctx, strings.Join(filters, ","))
	if err == nil && len(containers) > 0 {
		return containers[0], nil
	}

	// Then by id or id prefix.
	if hint != "" {
		all, err := r.client.Containers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list containers: %w", err)
		}
		for _, c := range all {
			if c.ID() == hint || strings.HasPrefix(c.ID(), hint) {
				return c, nil
			}
		}
	}

	// Last resort: the deterministic name.
	c, err := r.client.LoadContainer(ctx, ContainerName(r.project, r.runID, spec.TaskID, spec.Slug))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load container by name: %w", err)
	}
	return c, nil
}

func (r *ContainerdRunner) removeByID(ctx context.Context, id string) error {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}
	return r.stopAndRemove(ctx, container)
}

func (r *ContainerdRunner) stopAndRemove(ctx context.Context, container containerd.Container) error {
	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := task.Kill(stopCtx, syscall.SIGTERM); err == nil {
			if statusC, werr := task.Wait(stopCtx); werr == nil {
				select {
				case <-statusC:
				case <-stopCtx.Done():
					_ = task.Kill(ctx, syscall.SIGKILL)
				}
			}
		}
		cancel()
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}
