package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hyperengineering/journalsync/internal/coordinator"
	"github.com/hyperengineering/journalsync/internal/queue"
	jsync "github.com/hyperengineering/journalsync/internal/sync"
	"github.com/hyperengineering/journalsync/internal/worker"
	"github.com/spf13/cobra"
)

var (
	recordOp   string
	recordData string
	statusPing bool
)

var clientRecordCmd = &cobra.Command{
	Use:   "record <entity-type> <entity-id>",
	Short: "Record a local change and queue it for push",
	Long:  "Writes a create, update or delete to the device store and queues it. Entity types: " + entityTypeList() + ".",
	Args:  cobra.ExactArgs(2),
	RunE:  runClientRecord,
}

var clientSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle (bootstrap if needed, push, pull)",
	Args:  cobra.NoArgs,
	RunE:  runClientSync,
}

var clientRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background sync worker until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runClientRun,
}

var clientStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, watermark and record counts",
	Args:  cobra.NoArgs,
	RunE:  runClientStatus,
}

func init() {
	clientRecordCmd.Flags().StringVar(&recordOp, "op", string(queue.OpUpdate),
		"Operation: create, update, delete")
	clientRecordCmd.Flags().StringVar(&recordData, "data", "{}",
		"Record fields as a JSON object (ignored for delete)")
	clientStatusCmd.Flags().BoolVar(&statusPing, "ping", false,
		"Check that the endpoint is reachable")
}

func entityTypeList() string {
	var s string
	for _, t := range jsync.AllTables {
		et, ok := queue.EntityForTable(t)
		if !ok {
			continue
		}
		if s != "" {
			s += ", "
		}
		s += string(et)
	}
	return s
}

func runClientRecord(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	et, err := queue.ParseEntityType(args[0])
	if err != nil {
		return err
	}
	op := queue.OperationType(recordOp)

	var data map[string]any
	if op != queue.OpDelete {
		if err := json.Unmarshal([]byte(recordData), &data); err != nil {
			return fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}

	env, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	item, err := env.coord.RecordLocalChange(ctx, et, args[1], op, data)
	if err != nil {
		return err
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), item)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s/%s (item %s)\n", item.OperationType, item.EntityType, item.EntityID, item.ID)
	return nil
}

func runClientSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	env, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()
	if err := env.requireRemote(); err != nil {
		return err
	}

	stats, err := env.coord.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), stats)
	}
	printSyncStats(cmd, stats)
	return nil
}

func printSyncStats(cmd *cobra.Command, stats coordinator.SyncStats) {
	out := cmd.OutOrStdout()
	if b := stats.Bootstrap; b != nil {
		fmt.Fprintf(out, "Bootstrap: %d applied, %d skipped\n", b.Applied, b.Skipped)
	}
	p := stats.Push
	fmt.Fprintf(out, "Push: %d pushed, %d conflicts (%d kept local), %d failed, %d processed\n",
		p.Pushed, p.Conflicts, p.LocalWins, p.Failed, p.Processed)
	l := stats.Pull
	fmt.Fprintf(out, "Pull: %d applied, %d deleted, %d skipped, %d conflicts\n",
		l.Applied, l.Deleted, l.Skipped, l.Conflicts)
}

func runClientRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	env, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()
	if err := env.requireRemote(); err != nil {
		return err
	}

	w := worker.NewSyncWorker(env.coord, env.cfg.Client.PushDebounce.Std(), env.cfg.Client.PullInterval.Std())

	// A resolved conflict may have re-queued the entity.
	conflicts, unsubscribe := env.resolver.Subscribe(16)
	defer unsubscribe()

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync", w.Run)
	startWorker(ctx, &wg, "conflict-watch", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-conflicts:
				if !ok {
					return
				}
				slog.Debug("conflict observed", "component", "client", "entity_type", c.EntityType, "entity_id", c.EntityID)
				w.Notify()
			}
		}
	})

	<-ctx.Done()
	wg.Wait()
	return nil
}

func runClientStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	env, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	deviceID, err := env.local.DeviceID(ctx)
	if err != nil {
		return err
	}
	watermark, pulled, err := env.local.Watermark(ctx)
	if err != nil {
		return err
	}
	counts, err := env.local.CountRecords(ctx)
	if err != nil {
		return err
	}

	endpoint := "not configured"
	if env.cfg.Client.RemoteURL != "" {
		endpoint = env.cfg.Client.RemoteURL
		if statusPing {
			if err := env.remote.Health(ctx); err != nil {
				endpoint += " (unreachable: " + err.Error() + ")"
			} else {
				endpoint += " (reachable)"
			}
		}
	}

	qs := env.queue.Stats()
	if clientJSONOutput {
		status := map[string]any{
			"device_id": deviceID,
			"endpoint":  env.cfg.Client.RemoteURL,
			"queue":     qs,
			"records":   counts,
			"conflicts": len(env.resolver.GetConflictLog()),
		}
		if pulled {
			status["last_pull_at"] = watermark
		}
		return printJSON(cmd.OutOrStdout(), status)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Device:\t%s\n", deviceID)
	fmt.Fprintf(w, "Endpoint:\t%s\n", endpoint)
	if pulled {
		fmt.Fprintf(w, "Last pull:\t%s\n", formatTime(watermark))
	} else {
		fmt.Fprintf(w, "Last pull:\tnever\n")
	}
	fmt.Fprintf(w, "Queue:\t%d items (%d eligible, %d failed)\n", qs.Total, qs.Eligible, qs.Exhausted)
	fmt.Fprintf(w, "Conflicts logged:\t%d\n", len(env.resolver.GetConflictLog()))
	for _, t := range jsync.AllTables {
		if n := counts[t]; n > 0 {
			fmt.Fprintf(w, "  %s:\t%d\n", t, n)
		}
	}
	return w.Flush()
}
