package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect and trigger scheduled jobs",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs with their last result",
	Args:  cobra.NoArgs,
	RunE:  runCronList,
}

var cronRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Fire a job now",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronRun,
}

func init() {
	cronCmd.AddCommand(cronListCmd)
	cronCmd.AddCommand(cronRunCmd)
	rootCmd.AddCommand(cronCmd)
}

func runCronList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	jobs, err := client.ListCronJobs(cmd.Context())
	if err != nil {
		return describeError(err)
	}

	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No scheduled jobs")
		return nil
	}
	for _, job := range jobs {
		next := "disabled"
		if job.State.NextRunAt != nil {
			next = job.State.NextRunAt.Format(time.RFC3339)
		}
		last := job.State.LastStatus
		if last == "" {
			last = "never run"
		}
		fmt.Fprintf(out, "%-20s %-9s %-16s next: %-25s last: %s\n", job.ID, job.Kind, job.Expr, next, last)
	}
	return nil
}

func runCronRun(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	state, err := client.RunCronJob(cmd.Context(), args[0])
	if err != nil {
		return describeError(err)
	}
	return printJSON(cmd, state)
}
