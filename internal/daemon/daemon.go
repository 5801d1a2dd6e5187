// Package daemon assembles the packflow service: storage, git working
// trees, the task engine and scheduler, the clone monitor, the event bus,
// and the HTTP API. It owns startup recovery and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/packflow/internal/changelog"
	"git.home.luguber.info/inful/packflow/internal/config"
	"git.home.luguber.info/inful/packflow/internal/crp"
	"git.home.luguber.info/inful/packflow/internal/engine"
	"git.home.luguber.info/inful/packflow/internal/events"
	"git.home.luguber.info/inful/packflow/internal/forge"
	"git.home.luguber.info/inful/packflow/internal/gitrepo"
	"git.home.luguber.info/inful/packflow/internal/logfields"
	"git.home.luguber.info/inful/packflow/internal/metrics"
	"git.home.luguber.info/inful/packflow/internal/model"
	"git.home.luguber.info/inful/packflow/internal/monitor"
	"git.home.luguber.info/inful/packflow/internal/server"
	"git.home.luguber.info/inful/packflow/internal/store"
	"git.home.luguber.info/inful/packflow/internal/toolchain"
	"git.home.luguber.info/inful/packflow/internal/version"
)

// Daemon is the assembled service.
type Daemon struct {
	cfg config.Config

	store     *store.Store
	git       *gitrepo.Service
	scheduler *engine.Scheduler
	monitor   *monitor.Monitor
	api       *server.Server
	publisher events.Publisher
}

// New wires the daemon from the bootstrap configuration.
func New(cfg config.Config) (*Daemon, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	cloneRoot := cfg.CloneRoot
	if gc, err := st.GlobalConfig(); err == nil && gc.CloneRoot != "" {
		cloneRoot = gc.CloneRoot
	}
	if err := os.MkdirAll(cloneRoot, 0o755); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create clone root %s: %w", cloneRoot, err)
	}
	git := gitrepo.NewService(cloneRoot)

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSUrl != "" {
		p, err := events.NewNATSPublisher(cfg.NATSUrl)
		if err != nil {
			slog.Warn("Event bus unavailable, events disabled", logfields.Error(err))
		} else {
			publisher = p
		}
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	crpClient := crp.NewClient(cfg.CRPBaseURL)
	changelogCache := changelog.NewCache(changelog.NewService(), time.Minute)

	eng := engine.New(engine.Deps{
		Store:     st,
		Git:       git,
		Tools:     toolchain.NewRunner(),
		Changelog: changelogCache,
		CRP:       crpClient,
		NewReviewForge: func(gc model.GlobalConfig) (engine.ReviewForge, error) {
			return forge.NewGitHubForge(gc.ForgeToken, gc.ProxyURL, cfg.ReviewForgeAPI)
		},
		NewMirrorForge: func(ctx context.Context, gc model.GlobalConfig) (engine.MirrorForge, error) {
			return forge.NewGerritForge(ctx, gc.MirrorForgeBase, gc.LDAPUsername, gc.LDAPPassword)
		},
		Metrics: recorder,
		Events:  publisher,
	})

	d := &Daemon{
		cfg:       cfg,
		store:     st,
		git:       git,
		scheduler: engine.NewScheduler(eng, cfg.Workers),
		monitor:   monitor.New(st, git, changelogCache, recorder, publisher, cfg.RefreshInterval),
		publisher: publisher,
	}
	d.api = server.New(st, d.scheduler, d.monitor, crpClient, metrics.HTTPHandler(registry))
	return d, nil
}

// Run starts the daemon and blocks until ctx is cancelled, then shuts down
// in reverse start order.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("Starting packflow",
		slog.String("version", version.Version),
		slog.String("listen", d.cfg.Listen),
		logfields.Path(d.cfg.DatabasePath))

	// tasks the previous process left running resume where they stopped
	if err := d.scheduler.Recover(); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if err := d.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start clone monitor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.api.Start(d.cfg.Listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		d.shutdown()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Packflow stopped")
	return nil
}

func (d *Daemon) shutdown() {
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.api.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API shutdown", logfields.Error(err))
	}
	if err := d.monitor.Stop(); err != nil {
		slog.Warn("Monitor shutdown", logfields.Error(err))
	}
	// interrupted tasks keep running status on disk for the next recovery
	d.scheduler.Shutdown()
	d.publisher.Close()
	if err := d.store.Close(); err != nil {
		slog.Warn("Store close", logfields.Error(err))
	}
}
