// Package config loads the host's environment-variable configuration into a
// single immutable Config, returning a
// descriptive error rather than exiting the process.
package config

import (
	"fmt"
	"time"

	"github.com/nanoclaw/host/common/environment"
)

// Config is the fully-resolved, immutable process configuration.
type Config struct {
	HTTPHost string
	HTTPPort int

	BearerToken string

	DataDir   string
	StorePath string
	GroupsDir string

	MainGroupFolder string
	AssistantName   string

	IdleTimeout      time.Duration
	IPCPollInterval  time.Duration
	SchedulerTick    time.Duration
	ShutdownDrain    time.Duration
	MaxRequestBytes  int64

	Timezone *time.Location

	ContainerImage string
	NetworkName    string
}

// Load reads every variable below from the environment and returns a
// resolved Config, or an error naming the first missing required variable.
//
// Required: NANOCLAW_HTTP_HOST, NANOCLAW_HTTP_PORT, NANOCLAW_DATA_DIR,
// NANOCLAW_STORE_PATH, NANOCLAW_GROUPS_DIR, NANOCLAW_CONTAINER_IMAGE.
// Optional (with defaults): NANOCLAW_BEARER_TOKEN (""), NANOCLAW_MAIN_GROUP
// ("main"), NANOCLAW_ASSISTANT_NAME ("Assistant"), NANOCLAW_IDLE_TIMEOUT
// ("30s"), NANOCLAW_IPC_POLL_INTERVAL ("250ms"), NANOCLAW_SCHEDULER_TICK
// ("1s"), NANOCLAW_SHUTDOWN_DRAIN ("10s"), NANOCLAW_MAX_BODY_BYTES
// (1048576), NANOCLAW_TIMEZONE ("Local"), NANOCLAW_NETWORK_NAME
// ("nanoclaw").
func Load() (Config, error) {
	host, err := environment.RequiredString("NANOCLAW_HTTP_HOST")
	if err != nil {
		return Config{}, err
	}
	port := environment.IntOr("NANOCLAW_HTTP_PORT", 0)
	if port <= 0 {
		return Config{}, fmt.Errorf("required environment variable %q must be a positive port number", "NANOCLAW_HTTP_PORT")
	}

	dataDir, err := environment.RequiredString("NANOCLAW_DATA_DIR")
	if err != nil {
		return Config{}, err
	}
	storePath, err := environment.RequiredString("NANOCLAW_STORE_PATH")
	if err != nil {
		return Config{}, err
	}
	groupsDir, err := environment.RequiredString("NANOCLAW_GROUPS_DIR")
	if err != nil {
		return Config{}, err
	}
	containerImage, err := environment.RequiredString("NANOCLAW_CONTAINER_IMAGE")
	if err != nil {
		return Config{}, err
	}

	tzName := environment.StringOr("NANOCLAW_TIMEZONE", "Local")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return Config{}, fmt.Errorf("invalid NANOCLAW_TIMEZONE %q: %w", tzName, err)
	}

	return Config{
		HTTPHost: host,
		HTTPPort: port,

		BearerToken: environment.StringOr("NANOCLAW_BEARER_TOKEN", ""),

		DataDir:   dataDir,
		StorePath: storePath,
		GroupsDir: groupsDir,

		MainGroupFolder: environment.StringOr("NANOCLAW_MAIN_GROUP", "main"),
		AssistantName:   environment.StringOr("NANOCLAW_ASSISTANT_NAME", "Assistant"),

		IdleTimeout:     environment.DurationOr("NANOCLAW_IDLE_TIMEOUT", 30*time.Second),
		IPCPollInterval: environment.DurationOr("NANOCLAW_IPC_POLL_INTERVAL", 250*time.Millisecond),
		SchedulerTick:   environment.DurationOr("NANOCLAW_SCHEDULER_TICK", time.Second),
		ShutdownDrain:   environment.DurationOr("NANOCLAW_SHUTDOWN_DRAIN", 10*time.Second),
		MaxRequestBytes: int64(environment.IntOr("NANOCLAW_MAX_BODY_BYTES", 1<<20)),

		Timezone: loc,

		ContainerImage: containerImage,
		NetworkName:    environment.StringOr("NANOCLAW_NETWORK_NAME", "nanoclaw"),
	}, nil
}

// Addr returns the "host:port" listen address derived from HTTPHost/HTTPPort.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}
