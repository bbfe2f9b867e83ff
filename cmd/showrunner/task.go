package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/showrunner/pkg/audit"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and manage tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		channelID, _ := cmd.Flags().GetString("channel")
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		tasks, err := store.ListTasks(context.Background(), storage.TaskFilter{
			ChannelID: channelID,
			State:     types.TaskState(state),
			Limit:     limit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCHANNEL\tSTATE\tLABEL\tSTAGE\tATTEMPT\tRETRIES\tTITLE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				t.ID, t.ChannelID, t.State, types.LabelForTask(t),
				t.Stage, t.Attempt, t.RetryCount, t.Title)
		}
		return w.Flush()
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Re-queue a failed or rejected task",
	Long: `Put a failed or rejected task back in the queue. The task resumes at
its first incomplete stage with a fresh retry budget and an incremented
attempt number.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		task, err := store.RequeueTask(ctx, args[0])
		if err != nil {
			return err
		}
		audit.NewRecorder(store).TaskRetried(ctx, task, "cli")
		_ = store.Notify(ctx, storage.NotifyChannelTasks, "retry")

		fmt.Printf("task %s re-queued at stage %d (attempt %d)\n", task.ID, task.Stage, task.Attempt)
		return nil
	},
}

func init() {
	taskListCmd.Flags().String("channel", "", "Filter by channel ID")
	taskListCmd.Flags().String("state", "", "Filter by lifecycle state")
	taskListCmd.Flags().Int("limit", 50, "Maximum rows")

	for _, c := range []*cobra.Command{taskListCmd, taskRetryCmd} {
		c.Flags().String("db-url", "", "Postgres DSN (defaults to DATABASE_URL)")
	}

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskRetryCmd)
}
