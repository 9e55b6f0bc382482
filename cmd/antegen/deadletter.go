package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wuwei-labs/antegen/pkg/queue"
	"github.com/wuwei-labs/antegen/pkg/types"
)

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and remediate dead-lettered tasks",
}

func init() {
	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterShowCmd)
	deadletterCmd.AddCommand(deadletterRequeueCmd)
	deadletterCmd.AddCommand(deadletterPurgeCmd)
}

// openQueue opens the store read-write for offline remediation. The
// engine must not be running against the same data dir.
func openQueue(cmd *cobra.Command) (*queue.Queue, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return queue.Open(cfg.DataDir, cfg.Retry)
}

func parseTaskID(arg string) (types.TaskID, error) {
	var id types.TaskID
	if err := id.UnmarshalText([]byte(arg)); err != nil {
		return id, fmt.Errorf("invalid task id %q: %w", arg, err)
	}
	return id, nil
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer q.Close()

		entries, err := q.ListDeadLetters()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No dead-lettered tasks")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK ID\tTHREAD\tEXEC\tRETRIES\tDEAD AT\tREASON")
		for _, entry := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				entry.Task.ID,
				entry.Task.ThreadPubkey,
				entry.Task.ExecCount,
				entry.Task.RetryCount,
				entry.DeadAt.Format("2006-01-02 15:04:05"),
				entry.Reason,
			)
		}
		return w.Flush()
	},
}

var deadletterShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one dead-lettered task in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		q, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer q.Close()

		entry, err := q.GetDeadLetter(id)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var deadletterRequeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Move a dead-lettered task back to the scheduled partition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		q, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer q.Close()

		if err := q.Requeue(id); err != nil {
			return err
		}
		fmt.Printf("Requeued %s\n", id)
		return nil
	},
}

var deadletterPurgeCmd = &cobra.Command{
	Use:   "purge <task-id>",
	Short: "Delete a dead-lettered task permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		q, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer q.Close()

		if err := q.Purge(id); err != nil {
			return err
		}
		fmt.Printf("Purged %s\n", id)
		return nil
	},
}
