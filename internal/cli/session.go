package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/conductor/pkg/gateway"
	"github.com/harun/conductor/pkg/session"
	"github.com/harun/conductor/pkg/supervisor"
)

// pollInterval is how often --wait re-checks a session or pipeline run
var pollInterval = 500 * time.Millisecond

var (
	runWait      bool
	runSessionID string
	runCost      float64
)

var runCmd = &cobra.Command{
	Use:   "run <agent> <message...>",
	Short: "Run an agent once",
	Long: `Ask the daemon to run an agent with a message. The session id is
printed immediately; with --wait the command polls until the session ends
and exits non-zero unless it completed.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and stop sessions",
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStatus,
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a running session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStop,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active and recent sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Stop every running session (kill switch)",
	Args:  cobra.NoArgs,
	RunE:  runKill,
}

func init() {
	runCmd.Flags().BoolVar(&runWait, "wait", false, "wait for the session to finish")
	runCmd.Flags().StringVar(&runSessionID, "session-id", "", "use this session id instead of a generated one")
	runCmd.Flags().Float64Var(&runCost, "cost", 0, "estimated cost checked against max_cost_per_run")

	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionListCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(killCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	res, err := client.RunAgent(cmd.Context(), supervisor.RunRequest{
		AgentRef:      args[0],
		Input:         strings.Join(args[1:], " "),
		SessionID:     runSessionID,
		EstimatedCost: runCost,
	})
	if err != nil {
		return describeError(err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session: %s (%s)\n", res.SessionID, res.Status)
	if !runWait {
		return nil
	}

	snap, err := waitSession(cmd.Context(), client, res.SessionID)
	if err != nil {
		return err
	}
	if snap.Output != "" {
		fmt.Fprintln(out, strings.TrimRight(snap.Output, "\n"))
	}
	fmt.Fprintf(out, "Status: %s\n", snap.Status)
	if snap.Status != session.StatusCompleted {
		return fmt.Errorf("session %s ended %s: %s", snap.ID, snap.Status, snap.Error)
	}
	return nil
}

func waitSession(ctx context.Context, client *gateway.Client, id string) (session.Snapshot, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		res, err := client.SessionStatus(ctx, id)
		if err != nil {
			return session.Snapshot{}, describeError(err)
		}
		if res.Found && res.Session.Status.IsTerminal() {
			return res.Session, nil
		}
		select {
		case <-ctx.Done():
			return session.Snapshot{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	res, err := client.SessionStatus(cmd.Context(), args[0])
	if err != nil {
		return describeError(err)
	}
	if !res.Found {
		return fmt.Errorf("session %s not found", args[0])
	}
	return printJSON(cmd, res.Session)
}

func runSessionStop(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	snap, err := client.StopSession(cmd.Context(), args[0])
	if err != nil {
		return describeError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s: %s\n", snap.ID, snap.Status)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	sessions, err := client.ListSessions(cmd.Context())
	if err != nil {
		return describeError(err)
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(out, "%-28s %-20s %-10s %s\n", s.ID, s.AgentRef, s.Status, s.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	res, err := client.KillAll(cmd.Context())
	if err != nil {
		return describeError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped %d of %d sessions\n", res.StoppedCount, res.TotalCount)
	return nil
}

// describeError adds the admission details to a rejection
func describeError(err error) error {
	var remote *gateway.RemoteError
	if !errors.As(err, &remote) || remote.RPCError == nil {
		return err
	}
	data, ok := remote.Data.(map[string]interface{})
	if !ok {
		return err
	}
	reason, ok := data["reason"].(string)
	if !ok {
		return err
	}
	if retry, ok := data["retryAfterSeconds"].(float64); ok && retry > 0 {
		return fmt.Errorf("%w (reason: %s, retry after %.0fs)", err, reason, retry)
	}
	return fmt.Errorf("%w (reason: %s)", err, reason)
}
