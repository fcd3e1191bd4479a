package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/conductor/pkg/gateway"
	"github.com/harun/conductor/pkg/pipeline"
)

var (
	pipelineRunWait    bool
	pipelineRunContext string
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run and inspect pipelines",
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run <pipeline-id>",
	Short: "Start a pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineRun,
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a pipeline run and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineStatus,
}

var pipelineCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineCancel,
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded pipelines and recent runs",
	Args:  cobra.NoArgs,
	RunE:  runPipelineList,
}

var pipelineValidateCmd = &cobra.Command{
	Use:   "validate <file-or-dir>",
	Short: "Check pipeline definition files without a daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineValidate,
}

func init() {
	pipelineRunCmd.Flags().BoolVar(&pipelineRunWait, "wait", false, "wait for the run to finish")
	pipelineRunCmd.Flags().StringVar(&pipelineRunContext, "context", "", `initial step context as a JSON object, e.g. '{"region":"emea"}'`)

	pipelineCmd.AddCommand(pipelineRunCmd)
	pipelineCmd.AddCommand(pipelineStatusCmd)
	pipelineCmd.AddCommand(pipelineCancelCmd)
	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineValidateCmd)
	rootCmd.AddCommand(pipelineCmd)
}

func runPipelineRun(cmd *cobra.Command, args []string) error {
	var initial map[string]interface{}
	if pipelineRunContext != "" {
		if err := json.Unmarshal([]byte(pipelineRunContext), &initial); err != nil {
			return fmt.Errorf("--context must be a JSON object: %w", err)
		}
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	res, err := client.StartPipeline(cmd.Context(), args[0], initial)
	if err != nil {
		return describeError(err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pipeline run: %s (%s)\n", res.PipelineRunID, res.Status)
	if !pipelineRunWait {
		return nil
	}

	run, err := waitPipeline(cmd.Context(), client, res.PipelineRunID)
	if err != nil {
		return err
	}
	printSteps(cmd, run)
	fmt.Fprintf(out, "Status: %s\n", run.Status)
	if run.Status != pipeline.RunCompleted {
		return fmt.Errorf("pipeline run %s failed: %s", run.ID, run.Error)
	}
	return nil
}

func waitPipeline(ctx context.Context, client *gateway.Client, id string) (pipeline.Run, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		run, err := client.PipelineStatus(ctx, id)
		if err != nil {
			return pipeline.Run{}, describeError(err)
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return pipeline.Run{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printSteps(cmd *cobra.Command, run pipeline.Run) {
	out := cmd.OutOrStdout()
	for _, step := range run.Steps {
		line := fmt.Sprintf("  [%d] %-16s %-16s %s", step.StepIndex, step.StepName, step.AgentRef, step.Status)
		if step.Error != "" {
			line += ": " + step.Error
		}
		fmt.Fprintln(out, line)
	}
}

func runPipelineStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	run, err := client.PipelineStatus(cmd.Context(), args[0])
	if err != nil {
		return describeError(err)
	}
	return printJSON(cmd, run)
}

func runPipelineCancel(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	run, err := client.CancelPipeline(cmd.Context(), args[0])
	if err != nil {
		return describeError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pipeline run %s: %s\n", run.ID, run.Status)
	return nil
}

func runPipelineList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	list, err := client.ListPipelines(cmd.Context())
	if err != nil {
		return describeError(err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pipelines (%d):\n", len(list.Pipelines))
	for _, def := range list.Pipelines {
		fmt.Fprintf(out, "  %-20s %d steps  %s\n", def.ID, len(def.Steps), def.Name)
	}
	if len(list.Runs) > 0 {
		fmt.Fprintf(out, "Runs (%d):\n", len(list.Runs))
		for _, run := range list.Runs {
			fmt.Fprintf(out, "  %-28s %-20s %-10s step %d/%d\n",
				run.ID, run.PipelineID, run.Status, run.CurrentStepIndex, run.TotalSteps)
		}
	}
	return nil
}

func runPipelineValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	var defs []pipeline.Definition
	if info.IsDir() {
		defs, err = pipeline.LoadDir(path)
	} else {
		var def pipeline.Definition
		def, err = pipeline.LoadFile(path)
		defs = []pipeline.Definition{def}
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, def := range defs {
		fmt.Fprintf(out, "ok  %s (%d steps)\n", def.ID, len(def.Steps))
	}
	return nil
}
