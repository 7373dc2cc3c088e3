// Command loom runs the multi-agent orchestration server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "loom",
		Short: "Multi-agent orchestration server",
		Long: `Loom coordinates LLM planner sessions, background subagents, and
scheduled tasks behind a JSON-RPC websocket gateway.`,
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loom %s (%s)\n", version, commit)
		},
	}
}
