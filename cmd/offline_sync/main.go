// Package main implements the offline_sync binary: an offline-first synchronization
// engine between a device-local store and a remote etcd document store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cybertec-postgresql/offline_sync/internal/api"
	"github.com/cybertec-postgresql/offline_sync/internal/log"
	"github.com/cybertec-postgresql/offline_sync/internal/metrics"
	"github.com/cybertec-postgresql/offline_sync/internal/network"
	"github.com/cybertec-postgresql/offline_sync/internal/remote"
	"github.com/cybertec-postgresql/offline_sync/internal/resolver"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
	"github.com/cybertec-postgresql/offline_sync/internal/store/memory"
	"github.com/cybertec-postgresql/offline_sync/internal/store/postgres"
	"github.com/cybertec-postgresql/offline_sync/internal/store/sqlite"
	"github.com/cybertec-postgresql/offline_sync/internal/sync"
)

// Config holds the application configuration
type Config struct {
	Store           string        `short:"s" env:"OFFLINE_SYNC_STORE" long:"store" description:"Local store backend" choice:"sqlite" choice:"postgres" choice:"memory" default:"sqlite"`
	DataDir         string        `short:"d" env:"OFFLINE_SYNC_DATA_DIR" long:"data-dir" description:"Directory of the device database" default:"./data"`
	PostgresDSN     string        `short:"p" env:"OFFLINE_SYNC_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string for --store=postgres"`
	EtcdDSN         string        `short:"e" env:"OFFLINE_SYNC_ETCD_DSN" long:"etcd-dsn" description:"etcd connection string of the remote document store"`
	LogLevel        string        `short:"l" env:"OFFLINE_SYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	SyncInterval    time.Duration `env:"OFFLINE_SYNC_SYNC_INTERVAL" long:"sync-interval" description:"Interval of periodic queue drains" default:"30s"`
	MaxRetries      int           `env:"OFFLINE_SYNC_MAX_RETRIES" long:"max-retries" description:"Failed attempts before an operation is reported as an error" default:"5"`
	AuthRetries     int           `env:"OFFLINE_SYNC_AUTH_RETRIES" long:"auth-retries" description:"Rejected attempts before an unauthorized operation is reported as an error" default:"2"`
	CallTimeout     time.Duration `env:"OFFLINE_SYNC_CALL_TIMEOUT" long:"call-timeout" description:"Timeout of a single remote call" default:"10s"`
	ProbeInterval   time.Duration `env:"OFFLINE_SYNC_PROBE_INTERVAL" long:"probe-interval" description:"Interval of remote reachability checks" default:"5s"`
	HTTPAddr        string        `env:"OFFLINE_SYNC_HTTP_ADDR" long:"http-addr" description:"Listen address of the UI API" default:":8080"`
	Retention       time.Duration `env:"OFFLINE_SYNC_RETENTION" long:"retention" description:"Age after which cache entries are purged" default:"720h"`
	PurgeSchedule   string        `env:"OFFLINE_SYNC_PURGE_SCHEDULE" long:"purge-schedule" description:"Cron schedule of the cache purge" default:"@every 1h"`
	Collections     []string      `short:"c" env:"OFFLINE_SYNC_COLLECTIONS" env-delim:"," long:"collection" description:"Collection to watch for remote changes (repeatable)"`
	FieldStrategies []string      `short:"f" env:"OFFLINE_SYNC_FIELD_STRATEGIES" env-delim:"," long:"field-strategy" description:"Conflict strategy as collection.field=local|server|merge (repeatable)"`
	RequireSession  bool          `long:"offline-without-session" description:"Report offline while no user session is active"`
	Version         bool          `short:"v" long:"version" description:"Show version information"`
	Help            bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	if !cmdOpts.Version {
		err = cmdOpts.validate()
	}
	return
}

func (c *Config) validate() error {
	if c.EtcdDSN == "" {
		return errors.New("--etcd-dsn is required")
	}
	if c.Store == "postgres" && c.PostgresDSN == "" {
		return errors.New("--postgres-dsn is required for --store=postgres")
	}
	if c.SyncInterval <= 0 || c.ProbeInterval <= 0 || c.CallTimeout <= 0 {
		return errors.New("intervals and timeouts must be positive")
	}
	if _, err := resolver.ParseFieldStrategies(c.FieldStrategies); err != nil {
		return err
	}
	return nil
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("offline_sync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("offline_sync logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// OpenStore opens the configured local store
func OpenStore(ctx context.Context, config *Config) (store.Store, error) {
	switch config.Store {
	case "memory":
		logrus.Warn("Using the in-memory store, queued changes will not survive a restart")
		return memory.New(), nil
	case "postgres":
		return postgres.Open(ctx, config.PostgresDSN)
	default:
		return sqlite.Open(config.DataDir)
	}
}

// ConnectRemote tries to reach the remote store for at most CallTimeout. An unreachable
// store is not fatal: the returned store starts offline and the prober takes over.
func ConnectRemote(ctx context.Context, config *Config) (*remote.EtcdStore, bool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, config.CallTimeout)
	defer cancel()
	rs, err := remote.NewEtcdStoreWithRetry(connectCtx, config.EtcdDSN)
	if err == nil {
		return rs, true, nil
	}
	logrus.WithError(err).Warn("Remote store unreachable, starting offline")
	rs, err = remote.NewEtcdStore(config.EtcdDSN)
	if err != nil {
		return nil, false, err
	}
	return rs, false, nil
}

func run(ctx context.Context, config *Config) error {
	local, err := OpenStore(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer local.Close()

	rs, online, err := ConnectRemote(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create remote store: %w", err)
	}
	defer rs.Close()

	fields, err := resolver.ParseFieldStrategies(config.FieldStrategies)
	if err != nil {
		return err
	}
	m, err := metrics.NewSyncMetrics(nil)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	monitor := network.NewMonitor(online, false, network.WithRequireSession(config.RequireSession))
	svc := sync.NewService(local, rs, monitor, sync.Config{
		SyncInterval: config.SyncInterval,
		MaxRetries:   config.MaxRetries,
		AuthRetries:  config.AuthRetries,
		CallTimeout:  config.CallTimeout,
		Collections:  config.Collections,
	}, sync.WithResolvers(resolver.NewRegistry(fields)), sync.WithMetrics(m))

	maintenance, err := sync.NewMaintenance(local, config.Retention, config.PurgeSchedule, m)
	if err != nil {
		return err
	}
	prober := network.NewProber(rs, monitor, config.ProbeInterval, config.CallTimeout)

	server := &http.Server{
		Addr: config.HTTPAddr,
		Handler: api.NewServer(svc,
			api.WithMiddlewares(api.LoggingMiddleware),
			api.WithMetricsHandler(m.Handler())),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Start(gctx) })
	g.Go(func() error { return prober.Run(gctx) })
	g.Go(func() error { return maintenance.Run(gctx) })
	g.Go(func() error {
		logrus.WithField("addr", config.HTTPAddr).Info("Starting UI API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("UI API server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err = g.Wait(); errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	if err := run(ctx, config); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Synchronization failed")
	}

	logrus.Info("Graceful shutdown completed")
}
