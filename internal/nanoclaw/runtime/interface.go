// Package runtime defines the Runtime interface for group container lifecycle management.
package runtime

import (
	"context"
	"io"
)

// Stdio is a live attach to a running container's standard input and
// standard output streams, used by the container runner to exchange
// line-delimited JSON with the in-container agent process.
type Stdio struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	// Close closes the underlying attach connection entirely.
	Close func() error
}

// Runtime abstracts the container orchestration backend (Docker, local, ...).
type Runtime interface {
	// Spawn creates and starts a new group container from the given spec.
	Spawn(ctx context.Context, spec ContainerSpec) (ContainerHandle, error)

	// Attach opens the standard input/output streams of a running container.
	Attach(ctx context.Context, handle ContainerHandle) (Stdio, error)

	// Stop gracefully stops the group container.
	Stop(ctx context.Context, handle ContainerHandle) error

	// Start starts a previously stopped group container without recreating it.
	Start(ctx context.Context, handle ContainerHandle) error

	// Restart stops and then starts the group container.
	Restart(ctx context.Context, handle ContainerHandle) error

	// Status returns the current runtime status of a group container.
	Status(ctx context.Context, handle ContainerHandle) (RuntimeStatus, error)

	// List returns handles for all containers managed by this runtime.
	List(ctx context.Context) ([]ContainerHandle, error)

	// Remove stops and deletes the container.
	Remove(ctx context.Context, handle ContainerHandle) error

	// Ping verifies the runtime backend is reachable (startup health probe).
	Ping(ctx context.Context) error
}
