package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opsboard/opsboard/internal/api"
	"github.com/opsboard/opsboard/internal/app/completion"
	"github.com/opsboard/opsboard/internal/app/feed"
	"github.com/opsboard/opsboard/internal/app/refresh"
	"github.com/opsboard/opsboard/internal/app/resolver"
	"github.com/opsboard/opsboard/internal/domain"
	"github.com/opsboard/opsboard/internal/health"
	"github.com/opsboard/opsboard/internal/infra/objectstore"
	"github.com/opsboard/opsboard/internal/infra/postgres"
	"github.com/opsboard/opsboard/internal/infra/records"
	"github.com/opsboard/opsboard/internal/infra/sqlite"
)

// sweepInterval is how often stale completion sessions are discarded.
const sweepInterval = 10 * time.Minute

// Store is a row-store the daemon can health-check and close.
type Store interface {
	domain.RowStore
	Ping() error
	Close() error
}

// Daemon is the opsboard runtime. It wires together all services.
type Daemon struct {
	Config   Config
	Location *time.Location

	Store    Store
	Repo     *records.Repository
	Objects  *objectstore.Local
	Hub      *refresh.Hub
	Clock    *refresh.Clock
	Sessions *completion.Manager
	Feeds    *feed.Service
	Health   *health.Checker
	Server   *api.Server

	logFile *os.File
	cancel  context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	store, err := openStore(context.Background(), cfg.Store)
	if err != nil {
		return nil, err
	}

	objects, err := objectstore.NewLocal(cfg.Objects.Dir, cfg.FilesBaseURL())
	if err != nil {
		store.Close()
		return nil, err
	}

	repo := records.New(store)
	hub := refresh.NewHub()
	clock := refresh.NewClock(hub, loc, cfg.Schedule.Boundaries, cfg.Schedule.Rollover)

	pipeline := completion.NewPipeline(repo, objects, cfg.Objects.Bucket, hub)
	sessions := completion.NewManager(repo, resolver.New(repo), pipeline)
	feeds := feed.NewService(repo, hub, cfg.Schedule.LookbackDays, cfg.Schedule.LookaheadDays)

	checker := health.NewChecker(store, objects.Root(), clock)
	checker.SetInterval(parseDuration(cfg.Schedule.HealthInterval, health.DefaultInterval))

	srv := api.NewServer(feeds, sessions)
	srv.SetHub(hub)
	srv.SetHealth(checker)
	srv.SetFilesDir(objects.Root())
	srv.SetCORSOrigins(cfg.API.CORSOrigins)
	srv.SetLocation(loc)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:   cfg,
		Location: loc,
		Store:    store,
		Repo:     repo,
		Objects:  objects,
		Hub:      hub,
		Clock:    clock,
		Sessions: sessions,
		Feeds:    feeds,
		Health:   checker,
		Server:   srv,
	}, nil
}

// openStore opens the configured row-store backend.
func openStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, nil
	default:
		dir := cfg.Dir
		if dir == "" {
			dir = opsboardHome()
		}
		db, err := sqlite.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return db, nil
	}
}

// Today returns the current date in the configured zone.
func (d *Daemon) Today() string {
	return time.Now().In(d.Location).Format("2006-01-02")
}

// setupLogging mirrors the standard logger to the configured file.
func (d *Daemon) setupLogging() {
	if d.Config.Logging.Level == "debug" {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}
	path := d.Config.Logging.File
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("[daemon] log dir: %v", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[daemon] open log file: %v", err)
		return
	}
	d.logFile = f
	log.SetOutput(io.MultiWriter(os.Stderr, f))
}

// Serve starts the HTTP server and blocks until shutdown. On SIGINT,
// SIGTERM or ctx cancellation it stops accepting connections, ends open
// task streams, waits for in-flight requests, and only then closes the
// store.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.setupLogging()

	if err := d.Clock.Start(); err != nil {
		d.Close()
		return err
	}
	go d.Health.Run(ctx)
	go d.sweepSessions(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		d.Clock.Stop()
		d.Close()
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:     d.Server.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
		// No write timeout: the task stream is long-lived.
	}
	httpServer.RegisterOnShutdown(d.Server.Drain)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("opsboard serving on http://%s\n", addr)
	fmt.Printf("  Store:   %s\n", d.Config.Store.Driver)
	fmt.Printf("  Photos:  %s\n", d.Objects.Root())
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	err = serveUntil(sigCtx, httpServer, ln, shutdownGrace)
	d.Clock.Stop()
	d.Close()
	return err
}

// shutdownGrace bounds how long in-flight requests may run after shutdown
// starts.
const shutdownGrace = 30 * time.Second

// serveUntil serves srv on ln until ctx is done, then shuts srv down and
// returns once in-flight requests have finished or grace has passed.
func serveUntil(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	drained := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
		defer shutdownCancel()
		drained <- srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != http.ErrServerClosed {
		cancel()
		<-drained
		return err
	}
	if err := <-drained; err != nil {
		log.Printf("[daemon] shutdown: %v", err)
		return err
	}
	return nil
}

// sweepSessions discards completion sessions left open past the configured
// age.
func (d *Daemon) sweepSessions(ctx context.Context) {
	maxAge := parseDuration(d.Config.Schedule.SessionMaxAge, 12*time.Hour)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sessions.Sweep(maxAge)
		}
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Store != nil {
		_ = d.Store.Close()
	}
	if d.logFile != nil {
		log.SetOutput(os.Stderr)
		_ = d.logFile.Close()
		d.logFile = nil
	}
}
