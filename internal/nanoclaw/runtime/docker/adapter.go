// Package docker provides a Docker Engine runtime adapter for spawning
// per-group agent containers and exchanging line-delimited JSON over their
// standard input/output streams.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/nanoclaw/host/common/retry"
	"github.com/nanoclaw/host/internal/nanoclaw/runtime"
)

const (
	labelManagedBy = "nanoclaw.managed-by"
	labelGroupID   = "nanoclaw.group-id"
	managedByValue = "nanoclaw-host"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second
)

// Adapter implements runtime.Runtime using the Docker Engine API.
type Adapter struct {
	client  *dockerclient.Client
	network string
}

// New creates a new Docker runtime adapter.
// Uses the DOCKER_HOST env var or the default socket path.
func New() (*Adapter, error) {
	return NewWithNetwork(runtime.DefaultNetwork)
}

// NewWithNetwork creates an adapter using a specific Docker network name.
func NewWithNetwork(networkName string) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{client: cli, network: networkName}, nil
}

// Ping verifies the Docker daemon is reachable (process-lifecycle startup
// probe), retrying a few times in case the daemon is still coming up.
func (a *Adapter) Ping(ctx context.Context) error {
	err := retry.Do(ctx, retry.DefaultConfig, func() error {
		_, err := a.client.Ping(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// EnsureNetwork creates the host's Docker network if it doesn't already exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil // already exists
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", a.network, err)
	}
	return nil
}

// Spawn creates and starts a group container from the given spec. The
// container's stdin is kept open (attach-ready) so the runner can later
// exchange line-delimited JSON with the in-container agent process.
func (a *Adapter) Spawn(ctx context.Context, spec runtime.ContainerSpec) (runtime.ContainerHandle, error) {
	if spec.Image == "" {
		return runtime.ContainerHandle{}, fmt.Errorf("spec.Image is required")
	}

	networkName := spec.NetworkName
	if networkName == "" {
		networkName = a.network
	}

	containerName := runtime.ContainerNameFor(spec.GroupID)

	env := []string{
		fmt.Sprintf("GROUP_ID=%s", spec.GroupID),
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelGroupID:   spec.GroupID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       labels,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	var mounts []mount.Mount
	if spec.GroupDir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: spec.GroupDir, Target: "/workspace/group"})
	}
	if spec.IPCDir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: spec.IPCDir, Target: "/workspace/ipc"})
	}
	if spec.SnapshotsDir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: spec.SnapshotsDir, Target: "/workspace/snapshots", ReadOnly: true})
	}
	if spec.GlobalDir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: spec.GlobalDir, Target: "/workspace/global", ReadOnly: true})
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
		Mounts:        mounts,
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return runtime.ContainerHandle{}, fmt.Errorf("create container: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return runtime.ContainerHandle{}, fmt.Errorf("start container: %w", err)
	}

	return runtime.ContainerHandle{
		GroupID:       spec.GroupID,
		ContainerID:   resp.ID,
		ContainerName: containerName,
	}, nil
}

// Attach opens the container's standard input/output streams for the
// container runner's line-delimited JSON exchange.
func (a *Adapter) Attach(ctx context.Context, handle runtime.ContainerHandle) (runtime.Stdio, error) {
	resp, err := a.client.ContainerAttach(ctx, handle.ContainerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return runtime.Stdio{}, fmt.Errorf("attach container %s: %w", handle.ContainerID, err)
	}

	// With Tty false the attach stream multiplexes stdout and stderr behind
	// 8-byte frame headers; demultiplex it so Stdout carries stdout only.
	stdout, stdoutW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, io.Discard, resp.Reader)
		stdoutW.CloseWithError(err)
	}()

	return runtime.Stdio{
		Stdin:  resp.Conn,
		Stdout: stdout,
		Close: func() error {
			resp.Close()
			return nil
		},
	}, nil
}

// Stop gracefully stops the group container.
func (a *Adapter) Stop(ctx context.Context, handle runtime.ContainerHandle) error {
	timeout := int(stopTimeout.Seconds())
	if err := a.client.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Start starts a previously stopped group container without recreating it.
func (a *Adapter) Start(ctx context.Context, handle runtime.ContainerHandle) error {
	if err := a.client.ContainerStart(ctx, handle.ContainerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Restart stops and starts the group container.
func (a *Adapter) Restart(ctx context.Context, handle runtime.ContainerHandle) error {
	timeout := int(stopTimeout.Seconds())
	if err := a.client.ContainerRestart(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("restart container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Status returns the current runtime state of a group container.
func (a *Adapter) Status(ctx context.Context, handle runtime.ContainerHandle) (runtime.RuntimeStatus, error) {
	inspect, err := a.client.ContainerInspect(ctx, handle.ContainerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return runtime.RuntimeStatus{
				GroupID:     handle.GroupID,
				ContainerID: handle.ContainerID,
				State:       runtime.StateUnknown,
			}, nil
		}
		return runtime.RuntimeStatus{}, fmt.Errorf("inspect container: %w", err)
	}

	state := parseContainerState(inspect.State.Status)
	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	finishedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)

	return runtime.RuntimeStatus{
		GroupID:     handle.GroupID,
		ContainerID: inspect.ID,
		State:       state,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		ExitCode:    inspect.State.ExitCode,
		Error:       inspect.State.Error,
	}, nil
}

// List returns handles for all host-managed containers, including ones left
// running by a previous process instance (orphans).
func (a *Adapter) List(ctx context.Context) ([]runtime.ContainerHandle, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	handles := make([]runtime.ContainerHandle, 0, len(containers))
	for _, c := range containers {
		groupID := c.Labels[labelGroupID]
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, runtime.ContainerHandle{
			GroupID:       groupID,
			ContainerID:   c.ID,
			ContainerName: name,
		})
	}
	return handles, nil
}

// Remove stops and removes the container entirely.
func (a *Adapter) Remove(ctx context.Context, handle runtime.ContainerHandle) error {
	_ = a.Stop(ctx, handle) // best-effort graceful stop first
	if err := a.client.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	return nil
}

func parseContainerState(s string) runtime.ContainerState {
	switch strings.ToLower(s) {
	case "running":
		return runtime.StateRunning
	case "stopped":
		return runtime.StateStopped
	case "exited":
		return runtime.StateExited
	case "created":
		return runtime.StateCreated
	case "paused":
		return runtime.StatePaused
	case "removing":
		return runtime.StateRemoving
	default:
		return runtime.StateUnknown
	}
}
