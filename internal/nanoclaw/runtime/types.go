// Package runtime defines shared types for the container runtime abstraction.
package runtime

import "time"

// ContainerSpec describes how a group's agent container should be created.
type ContainerSpec struct {
	// GroupID is the normalized group identifier (used as container name and label).
	GroupID string
	// Image is the container image to run (e.g. "ghcr.io/org/nanoclaw-agent:v0.1.0").
	Image string
	// GroupDir is the host path bind-mounted read-write at /workspace/group.
	GroupDir string
	// IPCDir is the host path bind-mounted read-write at /workspace/ipc.
	IPCDir string
	// SnapshotsDir is the host path bind-mounted read-only at
	// /workspace/snapshots (the group's current tasks.json/groups.json view).
	SnapshotsDir string
	// GlobalDir is the host path bind-mounted read-only at /workspace/global.
	GlobalDir string
	// Env holds additional environment variables to inject into the container.
	Env map[string]string
	// Labels are extra Docker labels to attach to the container.
	Labels map[string]string
	// NetworkName is the Docker network to attach (defaults to DefaultNetwork if empty).
	NetworkName string
}

// ContainerHandle identifies a running or stopped group container.
type ContainerHandle struct {
	// GroupID is the logical group ID this container belongs to.
	GroupID string
	// ContainerID is the Docker container ID.
	ContainerID string
	// ContainerName is the Docker container name.
	ContainerName string
}

// ContainerState mirrors docker container states.
type ContainerState string

const (
	StateRunning  ContainerState = "running"
	StateStopped  ContainerState = "stopped"
	StateExited   ContainerState = "exited"
	StateCreated  ContainerState = "created"
	StatePaused   ContainerState = "paused"
	StateRemoving ContainerState = "removing"
	StateUnknown  ContainerState = "unknown"
)

// RuntimeStatus holds live container status information.
type RuntimeStatus struct {
	GroupID     string
	ContainerID string
	State       ContainerState
	StartedAt   time.Time
	FinishedAt  time.Time
	ExitCode    int
	Error       string
}

// DefaultNetwork is the Docker network group containers are attached to.
const DefaultNetwork = "nanoclaw"

// ContainerNamePrefix is the reserved prefix process lifecycle startup uses
// to find orphaned containers from a previous process instance.
const ContainerNamePrefix = "nanoclaw-group-"

// ContainerNameFor returns the Docker container name for a group ID.
func ContainerNameFor(groupID string) string {
	return ContainerNamePrefix + groupID
}
