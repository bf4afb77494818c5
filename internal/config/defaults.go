package config

import "path/filepath"

// DefaultConfigFilename is the name of the on-disk configuration file,
// resolved relative to the agent directory passed to Load.
const DefaultConfigFilename = "config.yml"

// DefaultStatusInterval is the default status-publish interval, in seconds.
const DefaultStatusInterval = 5.0

// DefaultCommandPollIntervalMS is the default command-inbox poll interval, in milliseconds.
const DefaultCommandPollIntervalMS = 500.0

// MinStatusInterval is the effective floor applied to status_interval.
const MinStatusInterval = 1.0

// MinCommandPollInterval is the effective floor applied to command_poll_interval, in seconds.
const MinCommandPollInterval = 0.1

// CommandAgeGateMS is the minimum file age before a command file is eligible
// for dispatch, guarding against reading a file mid-write.
const CommandAgeGateMS = 50

// CommandRetryLimit is the number of failed load attempts before a command
// file is quarantined into invalid/.
const CommandRetryLimit = 3

// defaultSections returns the built-in defaults as a section-keyed map, in
// the same shape config.yml sections decode into. ConfigLoader merges the
// file's sections over this map one section at a time before decoding each
// section into its typed struct.
func defaultSections(agentDir, projectRoot string) map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"watch": {
			"path":      projectRoot,
			"recursive": true,
		},
		"ignore": {
			"paths": []interface{}{
				filepath.Join(agentDir, "events.log"),
				filepath.Join(agentDir, "events.jsonl"),
				filepath.Join(agentDir, "status.json"),
				filepath.Join(agentDir, "status.json.tmp"),
				filepath.Join(agentDir, "commands"),
			},
			"globs": []interface{}{".git/**"},
		},
		"features": {
			"console_log":                 true,
			"text_log":                    true,
			"jsonl_log":                   true,
			"status":                      true,
			"event_types":                 []interface{}{"created", "modified", "deleted"},
			"debounce_ms":                 0.0,
			"aggregate_window_ms":         0.0,
			"aggregate_include_debounced": false,
		},
		"logging": {
			"file": filepath.Join(agentDir, "events.log"),
		},
		"jsonl": {
			"file": filepath.Join(agentDir, "events.jsonl"),
		},
		"status": {
			"file":         filepath.Join(agentDir, "status.json"),
			"interval_sec": DefaultStatusInterval,
		},
		"commands": {
			"enabled":          false,
			"inbox":            filepath.Join(agentDir, "commands", "inbox"),
			"outbox":           filepath.Join(agentDir, "commands", "outbox"),
			"poll_interval_ms": DefaultCommandPollIntervalMS,
		},
		"command_ledger": {
			"enabled": false,
			"path":    filepath.Join(agentDir, "commands.db"),
		},
	}
}

// knownSections lists the section names ConfigLoader understands. Anything
// else in the YAML file's top level is preserved verbatim in RuntimeConfig.Extra.
var knownSections = map[string]bool{
	"watch":          true,
	"ignore":         true,
	"features":       true,
	"logging":        true,
	"jsonl":          true,
	"status":         true,
	"commands":       true,
	"command_ledger": true,
}
