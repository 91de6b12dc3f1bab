package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantsync/internal/httpapi"
)

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token from TENANTSYNC_ADMIN_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			now := time.Now()
			token, err := httpapi.SignAdminToken(cfg.AdminSecret, subject, ttl, now)
			if err != nil {
				return formatter.Fail(ExitCommandError, CodeConfig, "cannot mint admin token", err)
			}
			return formatter.Success(map[string]string{
				"token":     token,
				"expiresAt": now.Add(ttl).UTC().Format(time.RFC3339),
			}, token)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
