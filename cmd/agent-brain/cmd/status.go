package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-brain/agent-brain/internal/config"
	"github.com/agent-brain/agent-brain/internal/runtime"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running instance, if any",
		Long:  `Read the runtime descriptor and report the instance's bind address, PID and liveness.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir, err := config.StateDir()
			if err != nil {
				return err
			}
			desc, err := runtime.ReadDescriptor(stateDir)
			if err != nil {
				return err
			}
			if desc == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "agent-brain is not running (no runtime descriptor)")
				return fmt.Errorf("not running")
			}

			alive := desc.Alive()
			if jsonOutput {
				out := map[string]any{
					"bind_host":   desc.BindHost,
					"port":        desc.Port,
					"pid":         desc.PID,
					"instance_id": desc.InstanceID,
					"started_at":  desc.StartedAt,
					"alive":       alive,
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			} else {
				state := "running"
				if !alive {
					state = "stale (process is gone)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "agent-brain %s\n  address: %s:%d\n  pid:     %d\n  started: %s\n",
					state, desc.BindHost, desc.Port, desc.PID, desc.StartedAt.Format("2006-01-02 15:04:05 MST"))
			}

			if !alive {
				return fmt.Errorf("instance is stale")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	return cmd
}
