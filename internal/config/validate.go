package config

import (
	"fmt"
	"os"
)

// validate applies the structural constraints from the data model: the
// watch path must exist and be a directory, and none of the interval/window
// values may be negative. Values below their effective minimum are not
// rejected here; EffectiveStatusInterval/EffectiveCommandPollInterval clamp
// them at the point of use, matching the original agent's behavior of
// warning rather than failing on a too-small interval.
func validate(cfg *RuntimeConfig) error {
	info, err := os.Stat(cfg.WatchPath)
	if err != nil {
		return fmt.Errorf("%w: %s (%v)", ErrInvalidWatchPath, cfg.WatchPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidWatchPath, cfg.WatchPath)
	}

	if cfg.StatusInterval < 0 {
		return fmt.Errorf("config: status.interval_sec must not be negative, got %v", cfg.StatusInterval)
	}
	if cfg.CommandPollInterval < 0 {
		return fmt.Errorf("config: commands.poll_interval_ms must not be negative, got %v", cfg.CommandPollInterval*1000)
	}
	if cfg.DebounceMS < 0 {
		return fmt.Errorf("config: features.debounce_ms must not be negative, got %v", cfg.DebounceMS)
	}
	if cfg.AggregateWindowMS < 0 {
		return fmt.Errorf("config: features.aggregate_window_ms must not be negative, got %v", cfg.AggregateWindowMS)
	}

	if cfg.CommandsEnabled {
		if cfg.InboxDir == "" || cfg.OutboxDir == "" {
			return fmt.Errorf("config: commands.inbox and commands.outbox must be set when commands.enabled is true")
		}
	}

	return nil
}
