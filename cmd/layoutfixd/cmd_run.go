package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"layoutfixd/internal/config"
	"layoutfixd/internal/health"
	"layoutfixd/internal/logging"
	"layoutfixd/internal/metrics"
	"layoutfixd/internal/poller"
	"layoutfixd/internal/security"
	"layoutfixd/internal/store"
	"layoutfixd/internal/telegram"
)

const (
	shutdownTimeout   = 5 * time.Second
	getMeTimeout      = 10 * time.Second
	housekeepInterval = 10 * time.Second
)

var noWatch bool

var runCmd = &cobra.Command{
	Use:   "run [words-file] [token-file]",
	Short: "Run the bot until interrupted",
	Long: `Polls the Bot API and replies to messages typed in the wrong layout.

The optional positional arguments override dictionary.words_file and
telegram.token_file. The token file must not be readable by group or others.

The log level and poll interval are reloaded when the config file changes;
other settings need a restart.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the config file on change")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(resolveConfigPath()).WithOverrides(func(c *config.Config) {
		applyFlagOverrides(c)
		if len(args) > 0 {
			c.Dictionary.WordsFile = args[0]
		}
		if len(args) > 1 {
			c.Telegram.TokenFile = args[1]
		}
	})
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	defer loader.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if noWatch {
		loader = nil
	}
	return serve(ctx, cfg, loader)
}

// serve runs the daemon until ctx is cancelled. loader may be nil, in which
// case the config is not watched.
func serve(ctx context.Context, cfg *config.Config, loader *config.Loader) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	lock, err := security.AcquireLock(cfg.Daemon.LockFile)
	if err != nil {
		return err
	}
	defer lock.Release()

	token, err := security.ReadSecretFile(cfg.Telegram.TokenFile)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	det, _, vocab, err := newDetector(cfg)
	if err != nil {
		return err
	}
	logger.Info("dictionary loaded", "path", cfg.Dictionary.WordsFile, "words", vocab.Len())

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := newTelegramClient(cfg, token)
	if err != nil {
		return err
	}
	if err := checkToken(ctx, client, logger); err != nil {
		return err
	}

	registry := metrics.NewRegistry("layoutfixd", "")
	botMetrics := metrics.NewBotMetrics(registry)

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  cfg.Daemon.CrashDir,
		Version:   version,
		Component: "poller",
		Logger:    logger,
	})

	p := poller.New(client, client, det,
		poller.WithThreshold(cfg.Layout.Threshold),
		poller.WithInterval(cfg.PollInterval()),
		poller.WithStore(db),
		poller.WithLogger(logger.WithComponent("poller")),
		poller.WithMetrics(botMetrics),
		poller.WithCrashHandler(crash),
	)

	state, err := p.Restore(ctx, cfg.Telegram.InitialOffset)
	if err != nil {
		return err
	}
	pruneLedger(ctx, db, state.Cursor, logger)

	longPoll := cfg.LongPoll()
	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.StoreCheck(db.Ping))
	checker.RegisterFunc("feed", false, health.FeedCheck(botMetrics.LastFetch, func() time.Duration {
		return health.StaleAfter(p.Interval(), longPoll)
	}))

	var ln net.Listener
	if cfg.Metrics.ListenAddr != "" {
		ln, err = net.Listen("tcp", cfg.Metrics.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Metrics.ListenAddr, err)
		}
	}

	if loader != nil {
		watchConfig(loader, logger, p)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(gctx, &state)
	})

	if ln != nil {
		mux := http.NewServeMux()
		mux.Handle("/status", botMetrics.StatusHandler())
		mux.Handle("/", checker.Handler(registry.HTTPHandler()))
		srv := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Info("metrics listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		housekeep(gctx, botMetrics, loader, logger)
		return nil
	})

	checker.SetReady(true)
	logger.Info("layoutfixd started",
		"version", version,
		"cursor", state.Cursor,
		"threshold", cfg.Layout.Threshold,
		"storage", cfg.Storage.Type,
	)

	err = g.Wait()
	checker.SetReady(false)
	logger.Info("layoutfixd stopped", "cursor", state.Cursor)
	return err
}

// checkToken calls getMe once. A rejected token is fatal; a network error is
// not, since the poll loop retries on its own.
func checkToken(ctx context.Context, client *telegram.Client, logger *logging.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, getMeTimeout)
	defer cancel()

	me, err := client.GetMe(ctx)
	var apiErr *telegram.APIError
	switch {
	case err == nil:
		logger.Info("bot identity", "id", me.ID, "username", me.Username)
	case errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound):
		return fmt.Errorf("bot token rejected: %w", err)
	default:
		logger.Warn("getMe failed, continuing", "error", err)
	}
	return nil
}

// pruneLedger drops reply records the poller can no longer consult: events
// at or below the cursor are skipped before the ledger is checked.
func pruneLedger(ctx context.Context, db store.Store, cursor int64, logger *logging.Logger) {
	pr, ok := db.(ledgerPruner)
	if !ok || cursor <= 0 {
		return
	}
	n, err := pr.PruneReplies(ctx, cursor)
	if err != nil {
		logger.Warn("prune reply ledger failed", "cursor", cursor, "error", err)
		return
	}
	if n > 0 {
		logger.Info("pruned reply ledger", "removed", n, "cursor", cursor)
	}
}

// watchConfig applies the live settings on each config reload.
func watchConfig(loader *config.Loader, logger *logging.Logger, p *poller.Poller) {
	loader.OnChange(func(old, new *config.Config) {
		if level, err := logging.ParseLevel(new.Logging.Level); err == nil && level != logger.Level() {
			logger.SetLevel(level)
			logger.Info("log level changed", "level", logging.LevelString(level))
		}
		if d := new.PollInterval(); d != p.Interval() {
			p.SetInterval(d)
			logger.Info("poll interval changed", "interval", d)
		}
		if sections := config.RestartRequired(old, new); len(sections) > 0 {
			logger.Warn("config changed, restart to apply", "sections", sections)
		}
	})

	if err := loader.Watch(); err != nil {
		logger.Warn("config watch disabled", "path", loader.Path(), "error", err)
	}
}

// housekeep refreshes the uptime gauge and logs config reload errors.
func housekeep(ctx context.Context, m *metrics.BotMetrics, loader *config.Loader, logger *logging.Logger) {
	var reloadErrs <-chan error
	if loader != nil {
		reloadErrs = loader.Errors()
	}

	ticker := time.NewTicker(housekeepInterval)
	defer ticker.Stop()

	m.UpdateUptime()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateUptime()
		case err := <-reloadErrs:
			logger.Error("config reload rejected, keeping previous config", "error", err)
		}
	}
}
