package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/archessay/wildduck/config"
	"github.com/archessay/wildduck/db"
	"github.com/archessay/wildduck/logger"
	"github.com/archessay/wildduck/server/counters"
	"github.com/archessay/wildduck/server/delivery"
	"github.com/archessay/wildduck/server/filters"
	"github.com/archessay/wildduck/server/lmtp"
	"github.com/archessay/wildduck/server/maildrop"
	"github.com/archessay/wildduck/storage"
	"golang.org/x/sync/errgroup"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	logOutput := flag.String("logoutput", "", "Override log output: stderr, stdout, syslog or a file path")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wildduck-lmtp version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ERROR: failed to parse configuration file '%s': %v\n", *configPath, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "WARNING: configuration file '%s' not found, using defaults\n", *configPath)
	}
	if *logOutput != "" {
		cfg.Logging.Output = *logOutput
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("wildduck-lmtp starting", "version", version, "commit", commit, "built", date)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("wildduck-lmtp stopped with error", "error", err)
		if logFile != nil {
			logFile.Close()
		}
		os.Exit(1)
	}
	logger.Info("wildduck-lmtp stopped")
}

// run wires the collaborators and serves until ctx is cancelled or a
// listener fails.
func run(ctx context.Context, cfg config.Config) error {
	opts, err := deliveryOptions(cfg)
	if err != nil {
		return err
	}
	lmtpOpts, err := lmtp.OptionsFromConfig(cfg.LMTP)
	if err != nil {
		return err
	}
	spamChecks, err := filters.CompileSpamChecks(cfg.SpamHeaders)
	if err != nil {
		return err
	}

	redisClient, err := counters.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	logger.Info("Redis: Connected", "addr", cfg.Redis.Addr)

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	blobs, err := storage.New(cfg.S3)
	if err != nil {
		return err
	}

	drop := maildrop.New(blobs, database, maildrop.Options{
		Zone:     cfg.Sender.Zone,
		Hostname: cfg.Sender.Hostname,
	})

	handler := delivery.New(opts, delivery.Stores{
		Filters:     database,
		Autoreplies: database,
		Messages:    database,
		Log:         database,
	}, counters.NewRedis(redisClient), drop, delivery.PGPEncrypter{}, filters.NewEngine(spamChecks))

	lmtpServer := lmtp.New(ctx, lmtpOpts, database, handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(lmtpServer.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down LMTP server...")
		return lmtpServer.Close()
	})

	if cfg.Metrics.Enabled {
		srv := newHTTPServer(cfg.Metrics, database, lmtpServer)
		g.Go(func() error {
			return serveHTTP(gctx, srv)
		})
	}

	return g.Wait()
}

// deliveryOptions builds the immutable pipeline options from configuration.
func deliveryOptions(cfg config.Config) (delivery.Options, error) {
	window, err := cfg.Forwarding.GetWindow()
	if err != nil {
		return delivery.Options{}, fmt.Errorf("invalid forwarding window: %w", err)
	}
	interval, err := cfg.Forwarding.GetAutoreplyInterval()
	if err != nil {
		return delivery.Options{}, fmt.Errorf("invalid autoreply interval: %w", err)
	}
	return delivery.Options{
		SenderEnabled:     cfg.Sender.Enabled,
		MaxForwards:       int64(cfg.Forwarding.MaxForwards),
		ForwardWindow:     window,
		AutoreplyInterval: interval,
		Zone:              cfg.Sender.Zone,
	}, nil
}
