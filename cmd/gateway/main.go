// ============================================================================
// Stream Gateway - Entry Point
// ============================================================================
//
// Build:
//   go build -o bin/gateway ./cmd/gateway
//
// Run:
//   ./bin/gateway serve -c configs/default.yaml
//   ./bin/gateway status --addr http://localhost:8080
//
// All logic lives in internal/cli.
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/stream-gateway/internal/cli"
)

var (
	version = "dev" // injected with -ldflags "-X main.version=..."
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
