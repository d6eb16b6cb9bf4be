package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/hyperengineering/journalsync/internal/auth"
	"github.com/hyperengineering/journalsync/internal/config"
	"github.com/hyperengineering/journalsync/internal/conflict"
	"github.com/hyperengineering/journalsync/internal/coordinator"
	"github.com/hyperengineering/journalsync/internal/queue"
	"github.com/hyperengineering/journalsync/internal/remote"
	"github.com/hyperengineering/journalsync/internal/store"
	"github.com/spf13/cobra"
)

// devUserID owns the tokens minted for a device in dev mode.
const devUserID = "dev"

var (
	clientLocalOverride string
	clientJSONOutput    bool
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Sync a device store",
	Long:  "Record local changes, run sync cycles against the endpoint, and inspect the sync queue and conflict log of a device store.",
}

func init() {
	clientCmd.PersistentFlags().StringVar(&clientLocalOverride, "local", "",
		"Device store path (overrides config and JOURNALSYNC_LOCAL_PATH)")
	clientCmd.PersistentFlags().BoolVar(&clientJSONOutput, "json", false,
		"Output in JSON format")

	clientCmd.AddCommand(clientRecordCmd)
	clientCmd.AddCommand(clientSyncCmd)
	clientCmd.AddCommand(clientRunCmd)
	clientCmd.AddCommand(clientStatusCmd)
	clientCmd.AddCommand(clientQueueCmd)
	clientCmd.AddCommand(clientConflictsCmd)
}

// clientEnv is an opened device: its store, the persisted queue and
// conflict log, and a coordinator wired to the endpoint.
type clientEnv struct {
	cfg      *config.Config
	local    *store.LocalStore
	queue    *queue.Queue
	resolver *conflict.Resolver
	coord    *coordinator.Coordinator
	remote   *remote.Client
}

// openClient loads config, opens the device store and restores the
// queue and conflict log. Logs go to the command's stderr.
func openClient(ctx context.Context, cmd *cobra.Command) (*clientEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogger(cmd.ErrOrStderr(), cfg.Log)

	path := cfg.Client.LocalPath
	if clientLocalOverride != "" {
		path = clientLocalOverride
	}
	local, err := store.OpenLocal(path)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	q := queue.New(local, queue.WithMaxAttempts(cfg.Client.MaxAttempts))
	q.Load(ctx)

	stderr := cmd.ErrOrStderr()
	r := conflict.New(
		conflict.WithLogStore(local),
		conflict.WithLogSize(cfg.Client.ConflictLogSize),
		conflict.WithNotifier(func(msg string) { fmt.Fprintln(stderr, msg) }),
	)
	r.Load(ctx)

	tokens, err := clientTokens(ctx, cfg, local)
	if err != nil {
		r.Close()
		local.Close()
		return nil, err
	}
	rc := remote.New(cfg.Client.RemoteURL, tokens,
		remote.WithRequestTimeout(cfg.Client.RequestTimeout.Std()),
		remote.WithMaxRetries(cfg.Client.MaxRetries),
		remote.WithBackoff(cfg.Client.BackoffBase.Std(), cfg.Client.BackoffMax.Std()),
	)

	slog.Debug("device store opened", "component", "client", "path", path, "queued", q.Len())
	return &clientEnv{
		cfg:      cfg,
		local:    local,
		queue:    q,
		resolver: r,
		coord:    coordinator.New(local, q, r, rc),
		remote:   rc,
	}, nil
}

func (e *clientEnv) Close() error {
	e.resolver.Close()
	return e.local.Close()
}

// requireRemote fails commands that talk to the endpoint when none is
// configured.
func (e *clientEnv) requireRemote() error {
	if e.cfg.Client.RemoteURL == "" {
		return errors.New("no endpoint configured: set client.remote_url or JOURNALSYNC_REMOTE_URL")
	}
	return nil
}

// clientTokens returns the configured bearer token. In dev mode without
// one, the device mints its own tokens with the signing secret.
func clientTokens(ctx context.Context, cfg *config.Config, local *store.LocalStore) (remote.TokenSource, error) {
	if cfg.Client.Token != "" {
		return remote.StaticToken(cfg.Client.Token), nil
	}
	if !cfg.DevMode {
		return remote.StaticToken(""), nil
	}
	deviceID, err := local.DeviceID(ctx)
	if err != nil {
		return nil, err
	}
	return &devTokens{
		auth:     auth.NewJWTAuth(cfg.SigningSecret()),
		deviceID: deviceID,
		ttl:      cfg.Auth.TokenTTL.Std(),
	}, nil
}

// devTokens mints a fresh token on every request and refresh.
type devTokens struct {
	auth     *auth.JWTAuth
	deviceID string
	ttl      time.Duration
}

func (d *devTokens) Token(context.Context) (string, error) {
	return d.auth.GenerateToken(devUserID, d.deviceID, d.ttl)
}

func (d *devTokens) Refresh(ctx context.Context) (string, error) {
	return d.Token(ctx)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
