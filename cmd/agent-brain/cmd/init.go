package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agent-brain/agent-brain/configs"
	"github.com/agent-brain/agent-brain/internal/config"
)

// newInitCmd creates the init command, which writes an annotated starter
// configuration file.
func newInitCmd() *cobra.Command {
	var toStateDir bool
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Write an annotated agent-brain.yaml into the current directory
(or the state directory with --state). Every value in the template matches
the built-in defaults, so the file is safe to trim down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}
			if toStateDir {
				dir, err = config.StateDir()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}

			path := filepath.Join(dir, config.ConfigFileName)
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&toStateDir, "state", false, "Write into the state directory instead of the current directory")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}
