package cmd

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/relay/internal/coordination"
	"github.com/Iron-Ham/relay/internal/task"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Queue a new task",
	Long: `Create a task and queue it for a worker. The title is the remaining
arguments joined by spaces. Use --hold to create it without queueing it;
'relay task start' queues it later.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Queue a held task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStart,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a task, pipeline or worker pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRetry,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a task that has not settled",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

var (
	taskDescription string
	taskProjectDir  string
	taskProjectID   string
	taskPriority    string
	taskAgent       string
	taskMaxRetries  int
	taskTimeout     int
	taskOutputFiles []string
	taskHold        bool

	taskListStatus []string
	taskListKind   []string
	taskListParent string

	cancelReason string
)

func init() {
	taskCreateCmd.Flags().StringVarP(&taskDescription, "description", "d", "", "Instructions for the worker")
	taskCreateCmd.Flags().StringVarP(&taskProjectDir, "project-dir", "p", "", "Directory the worker runs in (default: current directory)")
	taskCreateCmd.Flags().StringVar(&taskProjectID, "project", "", "Project identifier used for filtering")
	taskCreateCmd.Flags().StringVar(&taskPriority, "priority", "medium", "Priority: low, medium, high, urgent")
	taskCreateCmd.Flags().StringVar(&taskAgent, "agent", "", "Agent identifier recorded on the task")
	taskCreateCmd.Flags().IntVar(&taskMaxRetries, "max-retries", -1, "Retry budget (default: queue.max_retries)")
	taskCreateCmd.Flags().IntVar(&taskTimeout, "timeout", 0, "Worker timeout in minutes (default: queue.default_timeout_minutes)")
	taskCreateCmd.Flags().StringSliceVar(&taskOutputFiles, "output-file", nil, "Glob of files the worker is expected to produce (repeatable)")
	taskCreateCmd.Flags().BoolVar(&taskHold, "hold", false, "Create the task without queueing it")

	taskListCmd.Flags().StringSliceVar(&taskListStatus, "status", nil, "Only show tasks in these statuses")
	taskListCmd.Flags().StringSliceVar(&taskListKind, "kind", nil, "Only show these kinds: task, pipeline, pool")
	taskListCmd.Flags().StringVar(&taskListParent, "parent", "", "Only show children of this pipeline or pool")

	taskCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Reason recorded on the task")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskStartCmd, taskCancelCmd, taskRetryCmd, taskDeleteCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	projectDir, err := coordination.ResolveProjectDir(taskProjectDir)
	if err != nil {
		return err
	}

	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	nt := task.NewTask{
		ProjectID:      taskProjectID,
		ProjectDir:     projectDir,
		Title:          strings.Join(args, " "),
		Description:    taskDescription,
		AgentID:        taskAgent,
		Priority:       task.Priority(taskPriority),
		TimeoutMinutes: taskTimeout,
		OutputFiles:    taskOutputFiles,
		Start:          !taskHold,
	}
	if taskMaxRetries >= 0 {
		retries := taskMaxRetries
		nt.MaxRetries = &retries
	}

	t, err := orc.Tasks().Create(cmd.Context(), nt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), t)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created task %s (%s)\n", t.ID, t.Status)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	filter := task.Filter{ParentTaskID: taskListParent}
	for _, s := range taskListStatus {
		st := task.Status(s)
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	for _, k := range taskListKind {
		filter.Kinds = append(filter.Kinds, task.Kind(k))
	}

	tasks, err := orc.Tasks().List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	if jsonOutput {
		if tasks == nil {
			tasks = []*task.Task{}
		}
		return printJSON(cmd.OutOrStdout(), tasks)
	}
	out := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks")
		return nil
	}
	for _, t := range tasks {
		printTaskLine(out, t)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	t, err := orc.Tasks().Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), t)
	}
	printTask(cmd.OutOrStdout(), t)
	return nil
}

func runTaskStart(cmd *cobra.Command, args []string) error {
	return runTaskTransition(cmd, "Queued", func(m *task.Manager) (*task.Task, error) {
		return m.Start(cmd.Context(), args[0])
	})
}

func runTaskRetry(cmd *cobra.Command, args []string) error {
	return runTaskTransition(cmd, "Requeued", func(m *task.Manager) (*task.Task, error) {
		return m.Retry(cmd.Context(), args[0])
	})
}

func runTaskTransition(cmd *cobra.Command, verb string, apply func(*task.Manager) (*task.Task, error)) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	t, err := apply(orc.Tasks())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), t)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s task %s (%s)\n", verb, t.ID, t.Status)
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	reason := cancelReason
	if reason == "" {
		reason = "cancelled by user"
	}
	t, err := orc.Cancel(cmd.Context(), args[0], reason)
	if err != nil {
		return fmt.Errorf("failed to cancel %s: %w", args[0], err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), t)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s %s\n", t.Kind, t.ID)
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	orc, release, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	if err := orc.Tasks().Delete(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s\n", args[0])
	return nil
}
