package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewWorkspacesCommand creates the workspaces command group.
func NewWorkspacesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspaces",
		Short: "Inspect the workspace directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the workspaces the directory says should be monitored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			dir, err := openDirectory(cfg)
			if err != nil {
				return formatter.Fail(ExitCommandError, CodeDirectory, "failed to open workspace directory", err)
			}
			defer dir.Close()

			workspaces, err := dir.ListWorkspaces(commandContext(cmd))
			if err != nil {
				return formatter.Fail(ExitFailure, CodeDirectory, "failed to list workspaces", err)
			}
			lines := make([]string, 0, len(workspaces)+1)
			lines = append(lines, fmt.Sprintf("%d workspace(s) in %s directory", len(workspaces), cfg.Directory))
			for _, ws := range workspaces {
				if ws.UserID != "" {
					lines = append(lines, fmt.Sprintf("  %s (user %s)", ws.InstanceID, ws.UserID))
				} else {
					lines = append(lines, "  "+ws.InstanceID)
				}
			}
			return formatter.Success(workspaces, strings.Join(lines, "\n"))
		},
	})
	return cmd
}
