package main

import (
	"context"
	"fmt"

	"github.com/hyperengineering/journalsync/internal/conflict"
	"github.com/spf13/cobra"
)

var conflictsEntity string

var clientConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show the conflict log",
	Long:  "Lists logged conflict resolutions, newest last. Each entry keeps the overwritten data for manual recovery.",
	Args:  cobra.NoArgs,
	RunE:  runClientConflicts,
}

func init() {
	clientConflictsCmd.Flags().StringVar(&conflictsEntity, "entity", "",
		"Only show conflicts for this entity id")
}

func runClientConflicts(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	env, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	var entries []conflict.ConflictLogEntry
	if conflictsEntity != "" {
		entries = env.resolver.GetConflictsForEntity(conflictsEntity)
	} else {
		entries = env.resolver.GetConflictLog()
	}

	if clientJSONOutput {
		if entries == nil {
			entries = []conflict.ConflictLogEntry{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"conflicts": entries,
			"total":     len(entries),
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conflicts logged.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "RESOLVED\tENTITY\tWINNER\tID")
	for _, e := range entries {
		winner := "server"
		if e.LocalWon {
			winner = "local"
		}
		fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\n",
			formatTime(e.ResolvedAt),
			e.EntityType, e.EntityID,
			winner,
			e.ID,
		)
	}
	return w.Flush()
}
