package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var clientQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the sync queue",
}

var clientQueueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued items in processing order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var clientQueueClearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Remove items that exhausted their attempts",
	Long:  "Removes every item whose attempts reached the configured maximum. Their local edits stay in the device store but are no longer pushed.",
	Args:  cobra.NoArgs,
	RunE:  runQueueClearFailed,
}

func init() {
	clientQueueCmd.AddCommand(clientQueueListCmd)
	clientQueueCmd.AddCommand(clientQueueClearFailedCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	env, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	items := env.queue.GetAll()
	maxAttempts := env.queue.MaxAttempts()

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"items":        items,
			"total":        len(items),
			"max_attempts": maxAttempts,
		})
	}

	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tPRIORITY\tOPERATION\tENTITY\tATTEMPTS\tQUEUED\tLAST ERROR")
	for _, it := range items {
		lastErr := "-"
		if it.LastError != nil {
			lastErr = *it.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%d/%d\t%s\t%s\n",
			it.ID,
			it.Priority,
			it.OperationType,
			it.EntityType, it.EntityID,
			it.Attempts, maxAttempts,
			formatTime(it.QueuedAt),
			lastErr,
		)
	}
	return w.Flush()
}

func runQueueClearFailed(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	env, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	removed, err := env.queue.ClearFailedItems(ctx)
	if err != nil {
		return fmt.Errorf("clear failed items: %w", err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"removed": removed,
			"total":   len(removed),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d failed item(s).\n", len(removed))
	return nil
}
