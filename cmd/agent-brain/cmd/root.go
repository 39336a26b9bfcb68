// Package cmd provides the CLI commands for agent-brain.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agent-brain/agent-brain/pkg/version"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent-brain",
		Short: "Local retrieval service for document and source-code search",
		Long: `agent-brain indexes folders of documents and source code into a hybrid
vector + BM25 index and serves ranked retrieval over HTTP.

Run 'agent-brain serve' to start the service.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.SetVersionTemplate("agent-brain version {{.Version}}\n")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
