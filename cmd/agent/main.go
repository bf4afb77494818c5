package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/watchkeeper/fsagent/internal/command"
	"github.com/watchkeeper/fsagent/internal/config"
	"github.com/watchkeeper/fsagent/internal/daemon"
	"github.com/watchkeeper/fsagent/internal/version"
)

func main() {
	args := os.Args[1:]

	if len(args) == 0 {
		cmdRun(args)
		return
	}

	switch args[0] {
	case "run":
		cmdRun(args[1:])
	case "ledger":
		cmdLedger(args[1:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	case "--path", "--no-recursive":
		// No subcommand given, just flags: fall through to run.
		cmdRun(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func cmdRun(args []string) {
	overrides, foreground := parseRunFlags(args)

	agentDir, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: resolving agent directory: %v\n", err)
		os.Exit(1)
	}
	agentDir = filepath.Dir(agentDir)
	projectRoot := filepath.Dir(agentDir)

	if err := daemon.Run(agentDir, projectRoot, overrides, foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, config.ErrInvalidWatchPath) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func parseRunFlags(args []string) (config.CLIOverrides, bool) {
	var overrides config.CLIOverrides
	foreground := true // the daemon is always foreground in this CLI; no detach surface is exposed

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--path":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "error: --path requires a value")
				os.Exit(1)
			}
			overrides.Path = args[i+1]
			i++
		case "--no-recursive":
			overrides.NoRecursive = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}

	return overrides, foreground
}

func cmdLedger(args []string) {
	if len(args) == 0 || args[0] != "tail" {
		fmt.Fprintln(os.Stderr, "usage: agent ledger tail [N]")
		os.Exit(1)
	}

	n := 20
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			fmt.Fprintf(os.Stderr, "error: invalid N %q\n", args[1])
			os.Exit(1)
		}
		n = v
	}

	agentDir, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: resolving agent directory: %v\n", err)
		os.Exit(1)
	}
	agentDir = filepath.Dir(agentDir)
	projectRoot := filepath.Dir(agentDir)

	cfg, err := config.Load(agentDir, projectRoot, config.CLIOverrides{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.LedgerEnabled {
		fmt.Fprintln(os.Stderr, "error: command_ledger is not enabled in config.yml")
		os.Exit(1)
	}

	ledger, err := command.OpenLedger(cfg.LedgerPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening ledger: %v\n", err)
		os.Exit(1)
	}
	defer ledger.Close()

	entries, err := ledger.Tail(n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading ledger: %v\n", err)
		os.Exit(1)
	}

	if len(entries) == 0 {
		fmt.Println("(no command ledger entries)")
		return
	}

	for _, e := range entries {
		status := "ok"
		if !e.OK {
			status = "fail"
		}
		fmt.Printf("%s  %-20s  %-5s  %s  (%s)\n", e.ReceivedAt, e.Op, status, e.CommandID, e.Msg)
	}
}

func printUsage() {
	fmt.Println(`Usage: agent <command> [options]

Commands:
  run              Run the filesystem observation agent (default)
  ledger tail [N]  Print the last N command ledger entries (default 20)
  version          Print version information
  help             Show this help message

Options (with 'run'):
  --path <dir>      Override the watched directory
  --no-recursive    Disable recursive watching`)
}
