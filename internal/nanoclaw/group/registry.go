// Package group owns the in-memory group registry and the per-group prompt
// serializer (queue) layered on top of the persistent store.
package group

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nanoclaw/host/internal/nanoclaw/store"
)

// MainGroupID is the default folder name for the distinguished group that
// always exists and is the only group authorized to originate main-only IPC
// operations (register_group, seeing every task/group in its snapshot).
// NewRegistry's mainGroupID parameter (NANOCLAW_MAIN_GROUP) overrides this
// default; callers that need the configured value use Registry.MainGroupID.
const MainGroupID = "main"

// ErrInvalidGroupID is returned by Register/NormalizeGroupID when the raw
// input normalizes to an empty string, ".", or "..".
var ErrInvalidGroupID = errors.New("group: invalid group id")

// ErrGroupNotFound is returned by Get when no group with that id is registered.
var ErrGroupNotFound = errors.New("group: not found")

// ContainerConfig is the optional per-group override read from
// <groupsDir>/<folder>/container.yaml at registration time.
type ContainerConfig struct {
	Image    string   `yaml:"image"`
	Mounts   []string `yaml:"mounts"`
	ExtraEnv []string `yaml:"extraEnv"`
}

// Group is the in-memory projection of a registered group, mirrored durably
// in the store.
type Group struct {
	ID              string
	DisplayName     string
	Folder          string
	Trigger         string
	ContainerConfig *ContainerConfig
	AddedAt         string
}

var validGroupIDChar = regexp.MustCompile(`[^A-Za-z0-9_-]`)
var runsOfDash = regexp.MustCompile(`-+`)

// NormalizeGroupID lowercases raw, replaces any character outside
// [A-Za-z0-9_-] with '-', collapses runs of '-', trims leading/trailing '-',
// and rejects empty, ".", or ".." results. The normalized form doubles as
// both routing key and folder name — they never diverge.
func NormalizeGroupID(raw string) (string, error) {
	s := strings.ToLower(raw)
	s = validGroupIDChar.ReplaceAllString(s, "-")
	s = runsOfDash.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" || s == "." || s == ".." {
		return "", fmt.Errorf("%w: %q normalizes to %q", ErrInvalidGroupID, raw, s)
	}
	return s, nil
}

// Registry is the in-process group directory, write-through to the store.
type Registry struct {
	st          *store.Store
	groupsDir   string
	mainGroupID string

	mu     sync.RWMutex
	groups map[string]*Group
}

// NewRegistry constructs an empty Registry bound to mainGroupID (the group
// folder name configured as privileged). Call Rehydrate at startup to load
// previously-registered groups from the store.
func NewRegistry(st *store.Store, groupsDir, mainGroupID string) *Registry {
	if mainGroupID == "" {
		mainGroupID = MainGroupID
	}
	return &Registry{
		st:          st,
		groupsDir:   groupsDir,
		mainGroupID: mainGroupID,
		groups:      make(map[string]*Group),
	}
}

// MainGroupID returns the group folder name this registry treats as
// privileged, as configured at construction (NANOCLAW_MAIN_GROUP), not
// necessarily the package default.
func (r *Registry) MainGroupID() string {
	return r.mainGroupID
}

// Rehydrate loads every group row from the store into memory, called once at
// process startup.
func (r *Registry) Rehydrate(ctx context.Context) error {
	rows, err := r.st.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.groups[row.ID] = fromStoreRow(row)
	}
	return nil
}

// EnsureMain registers the configured main group if it does not already
// exist. Called once at startup.
func (r *Registry) EnsureMain(ctx context.Context) error {
	if r.Exists(r.mainGroupID) {
		return nil
	}
	_, err := r.Register(ctx, r.mainGroupID, r.mainGroupID, "")
	if err != nil && !errors.Is(err, store.ErrGroupExists) {
		return fmt.Errorf("ensure main group: %w", err)
	}
	return nil
}

// Get returns the group for id, or ErrGroupNotFound.
func (r *Registry) Get(id string) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return g, nil
}

// Exists reports whether id is currently registered. Satisfies
// scheduler.GroupExistence.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[id]
	return ok
}

// List returns a snapshot of all registered groups.
func (r *Registry) List() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// Register normalizes rawID, persists a new group row (write-through),
// creates its logs directory, and loads an optional container.yaml override.
// Returns store.ErrGroupExists if the normalized id is already registered.
func (r *Registry) Register(ctx context.Context, rawID, displayName, trigger string) (*Group, error) {
	id, err := NormalizeGroupID(rawID)
	if err != nil {
		return nil, err
	}

	row := &store.Group{
		ID:          id,
		DisplayName: displayName,
		Folder:      id,
		Trigger:     trigger,
	}
	if err := r.st.CreateGroup(ctx, row); err != nil {
		return nil, err
	}

	logsDir := filepath.Join(r.groupsDir, id, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir for group %q: %w", id, err)
	}

	g := fromStoreRow(row)
	g.ContainerConfig = r.loadContainerConfig(id)

	r.mu.Lock()
	r.groups[id] = g
	r.mu.Unlock()

	return g, nil
}

// loadContainerConfig reads an optional <groupsDir>/<folder>/container.yaml
// override. A missing or malformed file yields nil without logging, so
// registration never fails on a bad override file.
func (r *Registry) loadContainerConfig(folder string) *ContainerConfig {
	path := filepath.Join(r.groupsDir, folder, "container.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var cfg ContainerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	return &cfg
}

func fromStoreRow(row *store.Group) *Group {
	g := &Group{
		ID:          row.ID,
		DisplayName: row.DisplayName,
		Folder:      row.Folder,
		Trigger:     row.Trigger,
		AddedAt:     row.AddedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	return g
}
