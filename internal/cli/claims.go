package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantsync/internal/domain"
	"github.com/roach88/tenantsync/internal/store"
)

// ClaimsOptions holds flags shared by the claims subcommands.
type ClaimsOptions struct {
	*RootOptions
	Database string
}

// NewClaimsCommand creates the claims command group.
func NewClaimsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClaimsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Inspect and prune the execution tracker",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite tracker database (overrides TENANTSYNC_DB_PATH)")

	cmd.AddCommand(newClaimsPruneCommand(opts))
	cmd.AddCommand(newClaimsCheckCommand(opts))
	return cmd
}

func (o *ClaimsOptions) openStore(cmd *cobra.Command, formatter *OutputFormatter) (*store.Store, int, error) {
	if err := o.bindFlag("TENANTSYNC_DB_PATH", cmd.Flag("db")); err != nil {
		return nil, 0, WrapExitError(ExitCommandError, "cannot bind flags", err)
	}
	cfg, err := loadConfig(o.RootOptions)
	if err != nil {
		return nil, 0, err
	}
	path := cfg.DBPath
	formatter.VerboseLog("opening tracker %s", path)
	st, err := store.Open(path)
	if err != nil {
		return nil, 0, formatter.Fail(ExitCommandError, CodeDatabase, "failed to open database", err)
	}
	return st, cfg.TrackerRetentionDays, nil
}

func newClaimsPruneCommand(opts *ClaimsOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete claims and processed-message rows older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := opts.formatter(cmd)
			st, retention, err := opts.openStore(cmd, formatter)
			if err != nil {
				return err
			}
			defer st.Close()

			if cmd.Flags().Changed("days") {
				retention = days
			}
			if retention < 0 {
				return formatter.Fail(ExitCommandError, CodeConfig, "--days must not be negative", nil)
			}
			res, err := st.Prune(commandContext(cmd), retention)
			if err != nil {
				return formatter.Fail(ExitFailure, CodeDatabase, "prune failed", err)
			}
			return formatter.Success(res, fmt.Sprintf(
				"Pruned %d claim(s) and %d processed message(s) older than %d day(s)",
				res.Claims, res.Processed, retention))
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default TENANTSYNC_TRACKER_RETENTION_DAYS)")
	return cmd
}

// ClaimStatus is the outcome of claims check.
type ClaimStatus struct {
	Key     string `json:"key"`
	Claimed bool   `json:"claimed"`
}

func newClaimsCheckCommand(opts *ClaimsOptions) *cobra.Command {
	var taskID, storeID, at string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report whether a scheduled occurrence has been claimed",
		Long: `Report whether a task occurrence has been claimed for a store. Exits 1
when the occurrence is unclaimed.

Example:
  tenantsync claims check --task nightly_digest --store acme --at 2025-06-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := opts.formatter(cmd)
			scheduled, err := time.Parse(time.RFC3339Nano, at)
			if err != nil {
				return formatter.Fail(ExitCommandError, CodeConfig, "--at must be an RFC3339 time", err)
			}
			st, _, err := opts.openStore(cmd, formatter)
			if err != nil {
				return err
			}
			defer st.Close()

			key := domain.NewClaimKey(taskID, scheduled, storeID)
			claimed, err := st.IsClaimed(commandContext(cmd), key)
			if err != nil {
				return formatter.Fail(ExitFailure, CodeDatabase, "claim lookup failed", err)
			}
			status := ClaimStatus{Key: key.String(), Claimed: claimed}
			if !claimed {
				if err := formatter.Success(status, fmt.Sprintf("%s: not claimed", status.Key)); err != nil {
					return err
				}
				return NewExitError(ExitFailure, "occurrence not claimed")
			}
			return formatter.Success(status, fmt.Sprintf("%s: claimed", status.Key))
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&storeID, "store", "", "store id")
	cmd.Flags().StringVar(&at, "at", "", "scheduled time (RFC3339)")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("store")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}
