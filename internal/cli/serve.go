package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigortampanel/wabridge/internal/config"
	"github.com/sigortampanel/wabridge/internal/credentials"
	"github.com/sigortampanel/wabridge/internal/feed"
	"github.com/sigortampanel/wabridge/internal/groups"
	"github.com/sigortampanel/wabridge/internal/logging"
	"github.com/sigortampanel/wabridge/internal/notify"
	"github.com/sigortampanel/wabridge/internal/relay"
	"github.com/sigortampanel/wabridge/internal/session"
	"github.com/sigortampanel/wabridge/internal/store"
	"github.com/sigortampanel/wabridge/internal/whatsapp"
)

const (
	cursorName      = "wabridge"
	shutdownTimeout = 30 * time.Second
	pruneInterval   = 10 * time.Minute
)

var serveDryRun bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session manager",
	Long:  "Restores connected tenants, then follows the shared store's change feed until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cmd.OutOrStdout(), serveDryRun)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Use an offline WhatsApp client that only produces pairing codes")
}

func runServe(ctx context.Context, out io.Writer, dryRun bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.Setup(cfg.Log)

	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	creds, err := credentials.New(cfg.Paths.CredentialsDir)
	if err != nil {
		return err
	}
	notifier := notify.New(cfg.Notify)

	syncer := groups.New(st, notifier, log, cfg.WhatsApp.OperationTimeout)
	reg := session.NewRegistry(context.Background(), session.Deps{
		Store:       st,
		Credentials: creds,
		Dialer:      newDialer(cfg.WhatsApp, log, dryRun),
		Groups:      syncer,
		Notifier:    notifier,
		Log:         log,
		Config:      cfg.WhatsApp,
		QueueSize:   cfg.Relay.QueueSize,
	})
	syncer.SetSessions(reg)
	rel := relay.New(st, reg, cfg.Relay, cfg.WhatsApp.AllowUntenantedFallback, log)

	src, err := newSource(cfg.Feed, st, log)
	if err != nil {
		return err
	}
	listener := feed.NewListener(src, reg, syncer, rel, log)

	printHeader(out, "🔌 wabridge serve")
	fmt.Fprintf(out, "Store:  %s\n", cfg.Store.Path)
	fmt.Fprintf(out, "Feed:   %s\n", cfg.Feed.Source)
	if dryRun {
		fmt.Fprintln(out, "Mode:   dry run (no WhatsApp traffic)")
	}

	restored, err := reg.RestoreAll(ctx)
	if err != nil {
		log.Error("serve: restore sessions", "error", err)
	}
	log.Info("serve: started", "restored", restored, "feed", cfg.Feed.Source, "dry_run", dryRun)

	if cfg.Feed.Source == "poll" {
		go pruneLoop(ctx, st, log)
	}

	runErr := listener.Run(ctx)

	log.Info("serve: shutting down", "sessions", len(reg.Tenants()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Warn("serve: sessions did not stop in time", "error", err)
	}
	return runErr
}

func newDialer(cfg config.WhatsAppConfig, log *slog.Logger, dryRun bool) whatsapp.Dialer {
	if !dryRun {
		return whatsapp.NewMeowDialer(cfg, log)
	}
	d := whatsapp.NewFakeDialer()
	d.OnConnect = func(c *whatsapp.FakeConn) {
		c.EmitPairing(fmt.Sprintf("2@dry-run,%s,%d", c.Gen.TenantID, c.Gen.Stamp))
	}
	return d
}

func newSource(cfg config.FeedConfig, st *store.Store, log *slog.Logger) (feed.Source, error) {
	switch cfg.Source {
	case "", "poll":
		return feed.NewPollSource(st, cursorName, cfg.PollInterval, cfg.BatchSize, log), nil
	case "kafka":
		return feed.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.ConsumerGroup, log), nil
	case "redis":
		return feed.NewRedisSource(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisStream, cfg.ConsumerGroup, cfg.ConsumerName, cfg.BatchSize, log), nil
	default:
		return nil, fmt.Errorf("unknown feed source %q", strings.TrimSpace(cfg.Source))
	}
}

// pruneLoop trims change-log entries the poll cursor has already passed.
func pruneLoop(ctx context.Context, st *store.Store, log *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq, err := st.Cursor(ctx, cursorName)
			if err != nil || seq == 0 {
				continue
			}
			n, err := st.PruneChanges(ctx, seq)
			if err != nil {
				log.Warn("serve: prune change log", "error", err)
				continue
			}
			if n > 0 {
				log.Debug("serve: pruned change log", "rows", n, "up_to", seq)
			}
		}
	}
}
