package config

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// pollInterval is the cadence at which the reloader checks the config
// file's modification time. It is deliberately not configurable: it is an
// internal implementation detail of hot reload, not an external contract.
const pollInterval = 1 * time.Second

// errorBackoff is how long the reloader waits after a failed reload before
// trying again, giving a transient error (e.g. a half-written file) room to
// clear without hot-looping.
const errorBackoff = 2 * time.Second

// InstallFunc is called with each successfully reloaded config. The
// implementation is expected to atomically swap AgentState's config
// pointer and rebuild any sinks that depend on config paths.
type InstallFunc func(cfg *RuntimeConfig)

// Reloader polls <agentDir>/config.yml for modification-time changes and
// produces fresh RuntimeConfig snapshots. It deliberately does not use the
// native filesystem watcher: the config file may live inside the watched
// project tree, and watching it through the same backend that watches
// project files would be self-referential (§4.5).
type Reloader struct {
	agentDir    string
	projectRoot string
	overrides   CLIOverrides
	install     InstallFunc

	lastModTime time.Time
}

// NewReloader constructs a Reloader. It does not read the file or call
// install; call Seed first to establish the baseline mtime from whatever
// config was already loaded at startup.
func NewReloader(agentDir, projectRoot string, overrides CLIOverrides, install InstallFunc) *Reloader {
	return &Reloader{
		agentDir:    agentDir,
		projectRoot: projectRoot,
		overrides:   overrides,
		install:     install,
	}
}

// Seed records the current config file mtime so the first poll tick does
// not immediately re-trigger a reload of the config already loaded at
// startup.
func (r *Reloader) Seed() {
	r.lastModTime = r.currentModTime()
}

func (r *Reloader) currentModTime() time.Time {
	info, err := os.Stat(r.configPath())
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (r *Reloader) configPath() string {
	return r.agentDir + string(os.PathSeparator) + DefaultConfigFilename
}

// Run blocks, polling until ctx is canceled. Every tick, if the config
// file's mtime has changed and it parses successfully, a new RuntimeConfig
// is installed. Any failure is logged and followed by errorBackoff instead
// of the normal poll cadence, so a config left briefly malformed mid-edit
// does not spam the log.
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reloader) tick() {
	mt := r.currentModTime()
	if mt.IsZero() || mt.Equal(r.lastModTime) {
		return
	}

	cfg, err := Load(r.agentDir, r.projectRoot, r.overrides)
	if err != nil {
		log.Error().Err(err).Str("component", "config_reloader").Msg("config reload failed, keeping previous config")
		time.Sleep(errorBackoff)
		return
	}

	r.lastModTime = mt
	log.Info().Str("component", "config_reloader").Msg("configuration reloaded")
	r.install(cfg)
}
