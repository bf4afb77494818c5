// Package daemon wires every worker (watcher, event pipeline, status
// publisher, config reloader, aggregator, command dispatcher) to one
// shared AgentState and drives them for the life of the process.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watchkeeper/fsagent/internal/aggregate"
	"github.com/watchkeeper/fsagent/internal/command"
	"github.com/watchkeeper/fsagent/internal/config"
	"github.com/watchkeeper/fsagent/internal/eventpipe"
	"github.com/watchkeeper/fsagent/internal/logsink"
	"github.com/watchkeeper/fsagent/internal/state"
	"github.com/watchkeeper/fsagent/internal/status"
	"github.com/watchkeeper/fsagent/internal/version"
	"github.com/watchkeeper/fsagent/internal/watcher"
)

// workerJoinTimeout bounds how long shutdown waits for each worker
// goroutine and the watcher to stop (§5: "join with 5 s timeout").
const workerJoinTimeout = 5 * time.Second

// Run is the agent's main orchestrator. It initializes logging, loads
// configuration, wires every worker to a shared AgentState, and blocks
// until SIGINT/SIGTERM or a fatal error. agentDir holds config.yml and
// all agent-owned output files; projectRoot is the default watch target.
func Run(agentDir, projectRoot string, overrides config.CLIOverrides, foreground bool) error {
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("creating agent directory %s: %w", agentDir, err)
	}

	if err := setupLogger(agentDir, foreground); err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}

	log.Info().Str("version", version.String()).Str("agent_dir", agentDir).Msg("agent starting")

	if IsRunning(agentDir) {
		return fmt.Errorf("agent is already running (PID file exists at %s)", filepath.Join(agentDir, pidFilename))
	}

	cfg, err := config.Load(agentDir, projectRoot, overrides)
	if err != nil {
		return err
	}

	if err := WritePID(agentDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(agentDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	st := state.New(cfg)

	var activeSinks atomic.Pointer[logsink.Sinks]
	sinks, err := buildSinks(cfg)
	if err != nil {
		return fmt.Errorf("opening log sinks: %w", err)
	}
	activeSinks.Store(sinks)
	defer func() {
		if s := activeSinks.Load(); s != nil {
			s.Close()
		}
	}()

	pipe := eventpipe.New(st, activeSinks.Load())

	var ledger *command.Ledger
	if cfg.LedgerEnabled {
		l, err := command.OpenLedger(cfg.LedgerPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to open command ledger, continuing without it")
		} else {
			ledger = l
			defer ledger.Close()
		}
	}

	w, err := watcher.New(cfg.WatchPath, cfg.Recursive)
	if err != nil {
		return fmt.Errorf("starting filesystem watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	watcherDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(watcherDone)
		w.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range w.Events() {
			pipe.Handle(evt)
		}
	}()

	reloader := config.NewReloader(agentDir, projectRoot, overrides, func(newCfg *config.RuntimeConfig) {
		st.UpdateConfig(newCfg)

		newSinks, err := buildSinks(newCfg)
		if err != nil {
			log.Error().Err(err).Msg("failed to rebuild log sinks after config reload, keeping previous sinks")
			return
		}
		old := activeSinks.Swap(newSinks)
		pipe.SetSinks(newSinks)
		if old != nil {
			old.Close()
		}
	})
	reloader.Seed()
	wg.Add(1)
	go func() {
		defer wg.Done()
		reloader.Run(ctx)
	}()

	publisher := status.New(st, version.Agent)
	wg.Add(1)
	go func() {
		defer wg.Done()
		publisher.Run(ctx, time.Duration(cfg.EffectiveStatusInterval()*float64(time.Second)))
	}()

	aggregator := aggregate.New(st, activeSinks.Load)
	wg.Add(1)
	go func() {
		defer wg.Done()
		aggregator.Run(ctx)
	}()

	dispatcher := command.New(st, func() command.SinkRotator {
		if s := activeSinks.Load(); s != nil {
			return s
		}
		return nil
	}, ledger, version.Agent)
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	prunerStop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		st.StartDebouncePruner(time.Minute, func() time.Duration {
			return 10 * time.Duration(st.Config().DebounceMS) * time.Millisecond
		}, prunerStop)
	}()

	if cfg.ConsoleLog && foreground {
		fmt.Printf("Agent is running. Watching: %s (recursive=%v)\n", cfg.WatchPath, cfg.Recursive)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	w.Close()
	waitWithTimeout(watcherDone, workerJoinTimeout, "watcher")

	cancel()
	close(prunerStop)

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()
	waitWithTimeout(allDone, workerJoinTimeout, "workers")

	log.Info().Msg("agent stopped")
	return nil
}

func waitWithTimeout(done <-chan struct{}, timeout time.Duration, label string) {
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Str("component", label).Msg("timed out waiting for shutdown, proceeding anyway")
	}
}

func buildSinks(cfg *config.RuntimeConfig) (*logsink.Sinks, error) {
	textPath := ""
	if cfg.TextLog {
		textPath = cfg.LogPath
	}
	jsonlPath := ""
	if cfg.JSONLLog {
		jsonlPath = cfg.JSONLPath
	}
	return logsink.New(cfg.ConsoleLog, textPath, jsonlPath)
}

// setupLogger configures the ambient zerolog diagnostics logger: always to
// <agentDir>/agent.log, plus a console writer when running in the
// foreground. This is distinct from the mandated events.log/events.jsonl
// sinks logsink owns.
func setupLogger(agentDir string, foreground bool) error {
	logPath := filepath.Join(agentDir, "agent.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening diagnostics log %s: %w", logPath, err)
	}

	writers := []io.Writer{logFile}
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "fsagent").Logger()
	return nil
}
