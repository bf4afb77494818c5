// Package config loads, validates, and hot-reloads the agent's declarative
// configuration. RuntimeConfig is an immutable value: every reload produces
// a brand-new instance rather than mutating one in place, so a reader that
// captured a pointer never observes a config changing underneath it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalidWatchPath is returned by Load when the resolved watch path does
// not exist or is not a directory. Startup treats this as fatal (exit code
// 2); ConfigReloader treats it like any other reload failure (log, keep the
// previous config).
var ErrInvalidWatchPath = errors.New("config: watch path does not exist or is not a directory")

// CLIOverrides carries the two flags the agent's CLI surface exposes (§6).
// They are layered on top of whatever the file/defaults produced and must be
// re-applied on every reload so a reload can never silently undo them.
type CLIOverrides struct {
	Path         string // overrides watch.path when non-empty
	NoRecursive  bool   // forces recursive=false when set
}

// RuntimeConfig is the fully resolved, immutable configuration snapshot
// consumed by every worker. All paths are absolute.
type RuntimeConfig struct {
	WatchPath string
	Recursive bool

	IgnorePaths map[string]struct{}
	IgnoreGlobs map[string]struct{}

	ConsoleLog    bool
	TextLog       bool
	JSONLLog      bool
	StatusEnabled bool

	EventTypes map[string]struct{}

	LogPath    string
	JSONLPath  string
	StatusPath string

	StatusInterval float64 // seconds, effective minimum MinStatusInterval

	CommandsEnabled     bool
	InboxDir            string
	OutboxDir           string
	CommandPollInterval float64 // seconds, effective minimum MinCommandPollInterval

	DebounceMS                float64
	AggregateWindowMS         float64
	AggregateIncludeDebounced bool

	LedgerEnabled bool
	LedgerPath    string

	// Extra holds any top-level YAML section not in knownSections, decoded
	// as-is. The agent never interprets it; it exists so operators can see
	// their own sections echoed back rather than silently dropped.
	Extra map[string]interface{}
}

// EffectiveStatusInterval returns StatusInterval clamped to MinStatusInterval.
func (c *RuntimeConfig) EffectiveStatusInterval() float64 {
	if c.StatusInterval < MinStatusInterval {
		return MinStatusInterval
	}
	return c.StatusInterval
}

// EffectiveCommandPollInterval returns CommandPollInterval clamped to MinCommandPollInterval.
func (c *RuntimeConfig) EffectiveCommandPollInterval() float64 {
	if c.CommandPollInterval < MinCommandPollInterval {
		return MinCommandPollInterval
	}
	return c.CommandPollInterval
}

// decodeHooks mirrors the teacher's viper decode-hook composition so section
// values like comma-separated strings decode the same way here as they did
// for the TOML-backed config this agent's config loader descends from.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
	)
}

func decodeSection(data map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: decodeHooks(),
		Result:     out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

type watchSection struct {
	Path      string `mapstructure:"path"`
	Recursive bool   `mapstructure:"recursive"`
}

type ignoreSection struct {
	Paths []string `mapstructure:"paths"`
	Globs []string `mapstructure:"globs"`
}

type featuresSection struct {
	ConsoleLog                bool     `mapstructure:"console_log"`
	TextLog                    bool     `mapstructure:"text_log"`
	JSONLLog                   bool     `mapstructure:"jsonl_log"`
	Status                     bool     `mapstructure:"status"`
	EventTypes                 []string `mapstructure:"event_types"`
	DebounceMS                 float64  `mapstructure:"debounce_ms"`
	AggregateWindowMS          float64  `mapstructure:"aggregate_window_ms"`
	AggregateIncludeDebounced  bool     `mapstructure:"aggregate_include_debounced"`
}

type loggingSection struct {
	File string `mapstructure:"file"`
}

type jsonlSection struct {
	File string `mapstructure:"file"`
}

type statusSection struct {
	File        string  `mapstructure:"file"`
	IntervalSec float64 `mapstructure:"interval_sec"`
}

type commandsSection struct {
	Enabled        bool    `mapstructure:"enabled"`
	Inbox          string  `mapstructure:"inbox"`
	Outbox         string  `mapstructure:"outbox"`
	PollIntervalMS float64 `mapstructure:"poll_interval_ms"`
}

type commandLedgerSection struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads <agentDir>/config.yml, deep-merges it over the built-in
// defaults section by section, decodes each section into its typed form,
// re-applies CLI overrides, resolves every path to an absolute form, and
// validates the result. If the file is absent or fails to parse, a
// diagnostic is written to stderr and defaults are used instead (§4.1,
// §7 class 2 — configuration-degraded, not fatal).
func Load(agentDir, projectRoot string, overrides CLIOverrides) (*RuntimeConfig, error) {
	defaults := defaultSections(agentDir, projectRoot)

	raw, err := readRawSections(agentDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: failed to read %s, using defaults: %v\n",
			filepath.Join(agentDir, DefaultConfigFilename), err)
		raw = map[string]interface{}{}
	} else if _, statErr := os.Stat(filepath.Join(agentDir, DefaultConfigFilename)); os.IsNotExist(statErr) {
		fmt.Fprintf(os.Stderr, "config: %s not found, using defaults\n",
			filepath.Join(agentDir, DefaultConfigFilename))
	}

	merged := make(map[string]map[string]interface{}, len(defaults))
	for name, def := range defaults {
		section := def
		if v, ok := raw[name]; ok {
			if asMap, ok := asStringMap(v); ok {
				section = mergeSection(def, asMap)
			}
		}
		merged[name] = section
	}

	var watch watchSection
	var ignore ignoreSection
	var features featuresSection
	var logging loggingSection
	var jsonlSec jsonlSection
	var status statusSection
	var commands commandsSection
	var ledger commandLedgerSection

	if err := decodeSection(merged["watch"], &watch); err != nil {
		return nil, fmt.Errorf("config: decoding watch section: %w", err)
	}
	if err := decodeSection(merged["ignore"], &ignore); err != nil {
		return nil, fmt.Errorf("config: decoding ignore section: %w", err)
	}
	if err := decodeSection(merged["features"], &features); err != nil {
		return nil, fmt.Errorf("config: decoding features section: %w", err)
	}
	if err := decodeSection(merged["logging"], &logging); err != nil {
		return nil, fmt.Errorf("config: decoding logging section: %w", err)
	}
	if err := decodeSection(merged["jsonl"], &jsonlSec); err != nil {
		return nil, fmt.Errorf("config: decoding jsonl section: %w", err)
	}
	if err := decodeSection(merged["status"], &status); err != nil {
		return nil, fmt.Errorf("config: decoding status section: %w", err)
	}
	if err := decodeSection(merged["commands"], &commands); err != nil {
		return nil, fmt.Errorf("config: decoding commands section: %w", err)
	}
	if err := decodeSection(merged["command_ledger"], &ledger); err != nil {
		return nil, fmt.Errorf("config: decoding command_ledger section: %w", err)
	}

	// CLI overrides are layered on top of whatever the file produced, and
	// re-applied identically on every reload (§4.1).
	if overrides.Path != "" {
		watch.Path = overrides.Path
	}
	if overrides.NoRecursive {
		watch.Recursive = false
	}

	watchPath, err := filepath.Abs(watch.Path)
	if err != nil {
		return nil, fmt.Errorf("config: resolving watch path: %w", err)
	}

	cfg := &RuntimeConfig{
		WatchPath:                 watchPath,
		Recursive:                 watch.Recursive,
		IgnorePaths:               toAbsPathSet(ignore.Paths),
		IgnoreGlobs:               toSet(ignore.Globs),
		ConsoleLog:                features.ConsoleLog,
		TextLog:                   features.TextLog,
		JSONLLog:                  features.JSONLLog,
		StatusEnabled:             features.Status,
		EventTypes:                toSet(features.EventTypes),
		LogPath:                   absPathOrJoin(logging.File),
		JSONLPath:                 absPathOrJoin(jsonlSec.File),
		StatusPath:                absPathOrJoin(status.File),
		StatusInterval:            status.IntervalSec,
		CommandsEnabled:           commands.Enabled,
		InboxDir:                  absPathOrJoin(commands.Inbox),
		OutboxDir:                 absPathOrJoin(commands.Outbox),
		CommandPollInterval:       commands.PollIntervalMS / 1000.0,
		DebounceMS:                features.DebounceMS,
		AggregateWindowMS:         features.AggregateWindowMS,
		AggregateIncludeDebounced: features.AggregateIncludeDebounced,
		LedgerEnabled:             ledger.Enabled,
		LedgerPath:                absPathOrJoin(ledger.Path),
		Extra:                     extractUnknownSections(raw),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readRawSections reads and parses <agentDir>/config.yml into a generic
// section map. A missing file is not an error (defaults apply); a
// malformed file is.
func readRawSections(agentDir string) (map[string]interface{}, error) {
	path := filepath.Join(agentDir, DefaultConfigFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		}
		return nil, err
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	return raw, nil
}

func extractUnknownSections(raw map[string]interface{}) map[string]interface{} {
	extra := make(map[string]interface{})
	for k, v := range raw {
		if !knownSections[k] {
			extra[k] = v
		}
	}
	return extra
}

func mergeSection(base map[string]interface{}, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

func toAbsPathSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		abs, err := filepath.Abs(it)
		if err != nil {
			abs = it
		}
		set[filepath.Clean(abs)] = struct{}{}
	}
	return set
}

func absPathOrJoin(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// SortedSet returns the keys of a string set in sorted order, matching the
// teacher's stable-key-ordering requirement for status/snapshot output.
func SortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SplitCommaTrim splits s on commas and returns the trimmed, non-empty
// parts. No code in this repository calls it.
func SplitCommaTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
