package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/companion/internal/adapter"
	"github.com/shehryarbajwa/companion/internal/api"
	"github.com/shehryarbajwa/companion/internal/config"
	"github.com/shehryarbajwa/companion/internal/cron"
	"github.com/shehryarbajwa/companion/internal/logging"
	"github.com/shehryarbajwa/companion/internal/proxy"
	"github.com/shehryarbajwa/companion/internal/ratelimit"
	"github.com/shehryarbajwa/companion/internal/recorder"
	"github.com/shehryarbajwa/companion/internal/session"
	"github.com/shehryarbajwa/companion/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	limiterPruneEvery = 10 * time.Minute
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server with the cron scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.SetLevel(cfg.LogLevel)
	log.WithField("root", cfg.Root).Info("Starting companion")

	st, err := store.New(cfg.SessionsDir(), nil)
	if err != nil {
		return err
	}

	rec := recorder.NewManager(recorder.Options{
		Dir:      cfg.RecordingsDir,
		Enabled:  cfg.RecordingEnabled,
		MaxLines: cfg.RecordingsMaxLines,
	})
	defer rec.Close()
	log.WithField("enabled", cfg.RecordingEnabled).WithField("dir", cfg.RecordingsDir).Info("✓ Recorder initialized")

	sessionMgr := session.NewManager(session.Options{
		Store:         st,
		Recorder:      rec,
		Resolver:      adapter.NewResolver(cfg.ClaudeBinary, cfg.CodexBinary),
		CodexHomeRoot: cfg.CodexHomeRoot,
		MaxSessions:   cfg.MaxSessions,
	})
	defer sessionMgr.Shutdown()
	restored := sessionMgr.RestoreAll()
	log.WithField("restored", restored).WithField("max_sessions", cfg.MaxSessions).Info("✓ Session manager initialized")

	cronStore, err := cron.NewStore(cfg.CronDir(), nil)
	if err != nil {
		return err
	}
	scheduler := cron.NewScheduler(cronStore, sessionMgr, nil)
	defer scheduler.Destroy()
	scheduled := scheduler.StartAll()
	log.WithField("scheduled", scheduled).Info("✓ Cron scheduler started")

	watcher, err := cron.NewWatcher(scheduler)
	if err != nil {
		return err
	}
	defer watcher.Close()

	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)

	router := api.SetupRoutes(api.Routes{
		Sessions:        api.NewHandler(sessionMgr),
		Cron:            api.NewCronHandler(scheduler),
		Recordings:      api.NewRecordingHandler(rec),
		Proxy:           proxy.NewServer(sessionMgr),
		RateLimiter:     rateLimiter,
		RequestsPerHour: cfg.RateLimitPerHour,
	})

	// No WriteTimeout: browser sockets and recording exports are long lived
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", cfg.ListenAddr).Info("🚀 Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		watcher.Start(gctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(limiterPruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := rateLimiter.Prune(limiterPruneEvery); n > 0 {
					log.WithField("pruned", n).Debug("Pruned idle rate limiters")
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("⏳ Shutting down server gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("✅ Server stopped cleanly")
	return nil
}
