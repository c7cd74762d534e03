package cmd

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/relay/internal/pipeline"
	"github.com/Iron-Ham/relay/internal/task"
	"github.com/spf13/cobra"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run multi-step agent pipelines",
	Long: `A pipeline runs ordered steps. Each step launches a fixed number of
agents; the next step starts only when every agent of the current step
has completed. Steps share a coordination document in the project's
.relay directory.`,
}

var pipelineCreateCmd = &cobra.Command{
	Use:   "create <template|definition.yaml> <title>",
	Short: "Start a pipeline from a built-in template or a YAML definition",
	Long: `Start a pipeline. The first argument names a built-in template (see
'relay pipeline templates') or a YAML definition file:

  name: plan-build
  steps:
    - name: plan
      count: 1
      instructions: Write PLAN.md describing the change.
    - name: build
      count: 2
      depends_on: [plan]
      output_files: ["src/**"]

The remaining arguments form the title. The first step's agents are
launched immediately.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPipelineCreate,
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status <pipeline-id>",
	Short: "Show step progress of a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineStatus,
}

var pipelineCheckCmd = &cobra.Command{
	Use:   "check <pipeline-id>",
	Short: "Re-evaluate the current step and advance if it is done",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineCheck,
}

var pipelineCancelCmd = &cobra.Command{
	Use:   "cancel <pipeline-id>",
	Short: "Cancel a pipeline and its running agents",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineCancel,
}

var pipelineTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List built-in pipeline templates",
	Args:  cobra.NoArgs,
	RunE:  runPipelineTemplates,
}

var (
	pipelineDescription string
	pipelineProjectDir  string
	pipelineProjectID   string
	pipelinePriority    string
	pipelineMaxRetries  int
	pipelineTimeout     int
)

func init() {
	pipelineCreateCmd.Flags().StringVarP(&pipelineDescription, "description", "d", "", "Goal shared by every step")
	pipelineCreateCmd.Flags().StringVarP(&pipelineProjectDir, "project-dir", "p", "", "Directory the agents run in (default: current directory)")
	pipelineCreateCmd.Flags().StringVar(&pipelineProjectID, "project", "", "Project identifier used for filtering")
	pipelineCreateCmd.Flags().StringVar(&pipelinePriority, "priority", "medium", "Priority: low, medium, high, urgent")
	pipelineCreateCmd.Flags().IntVar(&pipelineMaxRetries, "max-retries", -1, "Retry budget of each agent (default: queue.max_retries)")
	pipelineCreateCmd.Flags().IntVar(&pipelineTimeout, "timeout", 0, "Agent timeout in minutes (default: queue.default_timeout_minutes)")

	pipelineCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Reason recorded on the pipeline")

	pipelineCmd.AddCommand(pipelineCreateCmd, pipelineStatusCmd, pipelineCheckCmd, pipelineCancelCmd, pipelineTemplatesCmd)
	rootCmd.AddCommand(pipelineCmd)
}

func runPipelineCreate(cmd *cobra.Command, args []string) error {
	def, err := pipeline.Resolve(args[0])
	if err != nil {
		return err
	}

	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	req := pipeline.Request{
		Description:    pipelineDescription,
		ProjectID:      pipelineProjectID,
		ProjectDir:     pipelineProjectDir,
		Priority:       task.Priority(pipelinePriority),
		Config:         def,
		TimeoutMinutes: pipelineTimeout,
	}
	if len(args) > 1 {
		req.Title = strings.Join(args[1:], " ")
	}
	if pipelineMaxRetries >= 0 {
		retries := pipelineMaxRetries
		req.MaxRetries = &retries
	}

	tracker, err := orc.Pipelines().CreatePipeline(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), tracker)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created pipeline %s (%s)\n", tracker.ID, tracker.Status)
	fmt.Fprintf(out, "Context: %s\n", tracker.ContextFile)
	return nil
}

func runPipelineStatus(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	st, err := orc.Pipelines().Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}
	printPipelineStatus(cmd, st)
	return nil
}

func printPipelineStatus(cmd *cobra.Command, st *pipeline.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pipeline: %s (%s)\n", st.PipelineID, st.Status)
	fmt.Fprintf(out, "Step %d of %d: %s (%s)\n\n", st.Step, st.TotalSteps, st.CurrentStepName, st.StepStatus)
	for i, s := range st.Steps {
		fmt.Fprintf(out, "[%d] %-20s %-10s %d/%d agents completed\n", i+1, s.Name, s.Status, s.Completed, s.Count)
	}
}

func runPipelineCheck(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	before, err := orc.Pipelines().Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	stepID := before.Steps[before.Step-1].ID
	status, err := orc.Pipelines().CheckStepCompletion(cmd.Context(), args[0], stepID)
	if err != nil {
		return fmt.Errorf("failed to check step %s: %w", stepID, err)
	}
	after, err := orc.Pipelines().Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), after)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Step %s: %s\n\n", stepID, status)
	printPipelineStatus(cmd, after)
	return nil
}

func runPipelineCancel(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	tracker, err := orc.Pipelines().Cancel(cmd.Context(), args[0], cancelReason)
	if err != nil {
		return fmt.Errorf("failed to cancel pipeline: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), tracker)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled pipeline %s\n", tracker.ID)
	return nil
}

func runPipelineTemplates(cmd *cobra.Command, args []string) error {
	names := pipeline.TemplateNames()
	if jsonOutput {
		defs := make(map[string]pipeline.Config, len(names))
		for _, name := range names {
			defs[name], _ = pipeline.Template(name)
		}
		return printJSON(cmd.OutOrStdout(), defs)
	}
	out := cmd.OutOrStdout()
	for _, name := range names {
		tpl, _ := pipeline.Template(name)
		fmt.Fprintf(out, "%s\n", name)
		if tpl.Description != "" {
			fmt.Fprintf(out, "  %s\n", tpl.Description)
		}
		for i, s := range tpl.Steps {
			fmt.Fprintf(out, "  %d. %s x%d\n", i+1, s.Name, s.Count)
		}
	}
	return nil
}
