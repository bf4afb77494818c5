package version

import "fmt"

// Set via ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Agent is the version string reported in status snapshots and ping
// responses. It is distinct from the build metadata above: it identifies
// the AgentState schema/behavior revision, not the binary build.
const Agent = "1.0.0"

func String() string {
	return fmt.Sprintf("fsagent %s (commit: %s, built: %s)", Version, GitCommit, BuildDate)
}
