package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Iron-Ham/relay/internal/coordination"
	"github.com/Iron-Ham/relay/internal/status"
	"github.com/spf13/cobra"
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Read and append to a shared coordination document",
	Long: `Pipelines and worker pools share a coordination document under the
project's .relay directory. Workers find theirs through
$RELAY_CONTEXT_FILE and identify themselves through $RELAY_TASK_ID; both
can be overridden with --file and --from.`,
}

var contextShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Print a coordination document",
	Long: `Print the coordination document of a pipeline or worker pool, given
the id of the tracker or of one of its children, or the document named
by --file or $RELAY_CONTEXT_FILE.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runContextShow,
}

var contextMessageCmd = &cobra.Command{
	Use:   "message <message>",
	Short: "Post a message to other agents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runContextMessage,
}

var contextOutputCmd = &cobra.Command{
	Use:   "output <output>",
	Short: "Record an output for later steps",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runContextOutput,
}

var (
	contextFile  string
	contextFrom  string
	contextTo    string
	contextStep  string
	contextInbox bool
)

func init() {
	contextCmd.PersistentFlags().StringVar(&contextFile, "file", "", "Coordination document (default: $"+status.EnvContextFile+")")
	contextCmd.PersistentFlags().StringVar(&contextFrom, "from", "", "Sender task id (default: $"+status.EnvTaskID+")")

	contextShowCmd.Flags().BoolVar(&contextInbox, "inbox", false, "Only print messages addressed to the sender or to all")

	contextMessageCmd.Flags().StringVar(&contextTo, "to", coordination.BroadcastRecipient, "Recipient task id, or 'all'")
	contextMessageCmd.Flags().StringVar(&contextStep, "step", "", "Step the message refers to")

	contextOutputCmd.Flags().StringVar(&contextStep, "step", "", "Step the output belongs to (default: the current step)")

	contextCmd.AddCommand(contextShowCmd, contextMessageCmd, contextOutputCmd)
	rootCmd.AddCommand(contextCmd)
}

// contextPath finds the document from --file or the environment.
func contextPath() (string, error) {
	if contextFile != "" {
		return contextFile, nil
	}
	if env := os.Getenv(status.EnvContextFile); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("no coordination document: set $%s or pass --file", status.EnvContextFile)
}

func contextSender() string {
	if contextFrom != "" {
		return contextFrom
	}
	return os.Getenv(status.EnvTaskID)
}

func runContextShow(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) == 1 {
		orc, release, err := openOrchestrator()
		if err != nil {
			return err
		}
		defer release()
		t, err := orc.Tasks().Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if t.ContextFile == "" {
			return fmt.Errorf("task %s has no coordination document", t.ID)
		}
		path = t.ContextFile
	} else {
		p, err := contextPath()
		if err != nil {
			return err
		}
		path = p
	}

	out := cmd.OutOrStdout()
	if contextInbox {
		st, err := coordination.Open(path).Load()
		if err != nil {
			return err
		}
		msgs := st.MessagesFor(contextSender())
		if jsonOutput {
			return printJSON(out, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages")
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "[%s] %s -> %s: %s\n", m.Timestamp.Local().Format("15:04:05"), m.From, m.To, m.Message)
		}
		return nil
	}

	if jsonOutput {
		st, err := coordination.Open(path).Load()
		if err != nil {
			return err
		}
		return printJSON(out, st)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read coordination document: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runContextMessage(cmd *cobra.Command, args []string) error {
	path, err := contextPath()
	if err != nil {
		return err
	}
	from := contextSender()
	if from == "" {
		return fmt.Errorf("no sender: set $%s or pass --from", status.EnvTaskID)
	}
	st, err := coordination.Open(path).PostMessage(cmd.Context(), coordination.Message{
		From:    from,
		To:      contextTo,
		Message: strings.Join(args, " "),
		StepID:  contextStep,
	})
	if err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Posted message %d to %s\n", len(st.Messages), contextTo)
	return nil
}

func runContextOutput(cmd *cobra.Command, args []string) error {
	path, err := contextPath()
	if err != nil {
		return err
	}
	output := strings.Join(args, " ")
	if from := contextSender(); from != "" {
		output = from + ": " + output
	}
	if _, err := coordination.Open(path).RecordOutput(cmd.Context(), contextStep, output); err != nil {
		return fmt.Errorf("failed to record output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Recorded output")
	return nil
}
