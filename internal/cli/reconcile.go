package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantsync/internal/httpapi"
	"github.com/roach88/tenantsync/internal/reconcile"
)

const cliTokenTTL = 5 * time.Minute

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	Server  string
	Timeout time.Duration
}

// ReconcileReport is the outcome of a remote trigger.
type ReconcileReport struct {
	Status      string            `json:"status"`
	DurationMs  int64             `json:"durationMs"`
	DriftCount  int               `json:"driftCount"`
	TriggeredAt string            `json:"triggeredAt"`
	Result      *reconcile.Result `json:"result"`
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Trigger a reconciliation on a running service",
		Long: `Trigger one reconciliation on a running tenantsync service through its
manual trigger endpoint. The bearer token is minted from
TENANTSYNC_ADMIN_SECRET.

Example:
  tenantsync reconcile --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "service base URL (default derived from TENANTSYNC_LISTEN_ADDR)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "request timeout")

	return cmd
}

func runReconcile(opts *ReconcileOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	server := opts.Server
	if server == "" {
		server = baseURL(cfg.ListenAddr)
	}
	token, err := httpapi.SignAdminToken(cfg.AdminSecret, "cli", cliTokenTTL, time.Now())
	if err != nil {
		return formatter.Fail(ExitCommandError, CodeConfig, "cannot mint admin token", err)
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), opts.Timeout)
	defer cancel()
	url := strings.TrimRight(server, "/") + "/api/workspaces/reconcile"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return formatter.Fail(ExitCommandError, CodeRemote, "invalid server URL", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	formatter.VerboseLog("POST %s", url)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return formatter.Fail(ExitFailure, CodeRemote, "trigger request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return formatter.Fail(ExitFailure, CodeRateLimited,
			fmt.Sprintf("triggered too soon, retry after %ss", resp.Header.Get("Retry-After")), nil)
	case http.StatusConflict:
		return formatter.Fail(ExitFailure, CodeInProgress, "a reconciliation is already running", nil)
	default:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return formatter.Fail(ExitFailure, CodeRemote,
			fmt.Sprintf("server answered %d: %s", resp.StatusCode, body.Error), nil)
	}

	var report ReconcileReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return formatter.Fail(ExitFailure, CodeRemote, "unreadable server response", err)
	}
	return formatter.Success(report, formatReconcileText(report))
}

func formatReconcileText(r ReconcileReport) string {
	if r.Result == nil {
		return fmt.Sprintf("Reconciled in %dms, drift %d", r.DurationMs, r.DriftCount)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Reconciled in %dms, drift %d\n", r.DurationMs, r.DriftCount)
	fmt.Fprintf(&b, "  added:   %s\n", joinOrDash(r.Result.Added))
	fmt.Fprintf(&b, "  removed: %s", joinOrDash(r.Result.Removed))
	for _, f := range r.Result.FailedAdds {
		fmt.Fprintf(&b, "\n  failed add %s: %s", f.StoreID, f.Message)
	}
	for _, f := range r.Result.FailedRemovals {
		fmt.Fprintf(&b, "\n  failed removal %s: %s", f.StoreID, f.Message)
	}
	return b.String()
}

func joinOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}

// baseURL turns a listen address into a local URL.
func baseURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
