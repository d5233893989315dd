package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// OrphanReaperConfig configures the startup orphan-container reap.
type OrphanReaperConfig struct {
	// StopWait bounds how long to wait for each orphan to stop before giving up.
	StopWait time.Duration
}

// OrphanReaper finds containers left running by a previous process instance
// (recognisable by the host's reserved container-name prefix) and signals
// them to stop during process startup, before any group registers a fresh
// container under the same name.
type OrphanReaper struct {
	runtime Runtime
	cfg     OrphanReaperConfig
}

// NewOrphanReaper creates a reaper bound to the given runtime backend.
func NewOrphanReaper(rt Runtime, cfg OrphanReaperConfig) *OrphanReaper {
	if cfg.StopWait == 0 {
		cfg.StopWait = 15 * time.Second
	}
	return &OrphanReaper{runtime: rt, cfg: cfg}
}

// Reap lists all host-managed containers, signals every one whose name
// carries the reserved prefix to stop, and waits for each to leave the
// running state (bounded by cfg.StopWait per container).
func (r *OrphanReaper) Reap(ctx context.Context) error {
	handles, err := r.runtime.List(ctx)
	if err != nil {
		return fmt.Errorf("list containers for orphan reap: %w", err)
	}

	var orphans []ContainerHandle
	for _, h := range handles {
		if strings.HasPrefix(h.ContainerName, ContainerNamePrefix) {
			orphans = append(orphans, h)
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	slog.Info("reaping orphan containers", "count", len(orphans))
	for _, h := range orphans {
		if err := r.stopAndWait(ctx, h); err != nil {
			slog.Warn("orphan reap failed", "container", h.ContainerName, "error", err)
		}
	}
	return nil
}

func (r *OrphanReaper) stopAndWait(ctx context.Context, h ContainerHandle) error {
	if err := r.runtime.Stop(ctx, h); err != nil {
		return fmt.Errorf("stop orphan %s: %w", h.ContainerName, err)
	}

	deadline := time.Now().Add(r.cfg.StopWait)
	for time.Now().Before(deadline) {
		status, err := r.runtime.Status(ctx, h)
		if err != nil {
			return fmt.Errorf("status orphan %s: %w", h.ContainerName, err)
		}
		if status.State != StateRunning {
			slog.Info("orphan container stopped", "container", h.ContainerName, "state", status.State)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("orphan %s did not stop within %s", h.ContainerName, r.cfg.StopWait)
}
