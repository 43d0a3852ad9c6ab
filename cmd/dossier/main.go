// -----------------------------------------------------------------------
// dossier - document pipeline runtime.
//
// Subcommands:
//   serve                          start the API server and all pools
//   worker  --pool <name>          start workers for one pool
//   enqueue --pool <name> --payload <json>
//   status  <job_id>               print a job record
//   pools                          list pools and live worker counts
//   version                        print version information
//
// Exit codes: 0 success, 1 transient failure, 2 configuration or usage
// error, 3 unrecoverable.
// -----------------------------------------------------------------------

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/dossier/internal/app"
	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/extensions"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/server"
)

const (
	exitOK            = 0
	exitTransient     = 1
	exitConfig        = 2
	exitUnrecoverable = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(rest)
	case "worker":
		return cmdWorker(rest)
	case "enqueue":
		return cmdEnqueue(rest)
	case "status":
		return cmdStatus(rest)
	case "pools":
		return cmdPools(rest)
	case "version", "-v", "--version":
		fmt.Printf("Dossier version %s\n", common.GetFullVersion())
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dossier <serve|worker|enqueue|status|pools|version> [flags]")
}

// loadConfig applies the standard chain: defaults, then an explicit
// config file or an auto-discovered dossier.toml in the working
// directory.
func loadConfig(configPath string) (*common.Config, error) {
	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	} else if _, err := os.Stat("dossier.toml"); err == nil {
		paths = append(paths, "dossier.toml")
	}
	return common.LoadFromFiles(paths...)
}

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file path")
	port := fs.Int("port", 0, "Server port (overrides config)")
	host := fs.String("host", "", "Server host (overrides config)")
	noWorkers := fs.Bool("no-workers", false, "Do not start in-process workers")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}
	common.ApplyFlagOverrides(cfg, *port, *host)

	logger := common.InitLogger(cfg)
	common.PrintBanner(common.GetVersion())

	application, err := app.New(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to wire application")
		return exitUnrecoverable
	}
	defer application.Close()

	// Manifest-declared extensions are informational until their packaged
	// implementations register; log what the directory declares.
	if manifests, err := extensions.LoadManifests(cfg.Extensions.ManifestDir); err != nil {
		logger.Error().Err(err).Msg("Failed to load extension manifests")
		return exitConfig
	} else if len(manifests) > 0 {
		for _, m := range manifests {
			logger.Info().Str("extension", m.Name).Str("version", m.Version).Msg("Extension manifest discovered")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := application.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start application")
		return exitUnrecoverable
	}
	if !*noWorkers {
		if err := application.StartWorkers(ctx, ""); err != nil {
			logger.Error().Err(err).Msg("Failed to start workers")
			return exitUnrecoverable
		}
	}

	srv := server.New(application)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
			return exitUnrecoverable
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Server shutdown failed")
		return exitTransient
	}
	return exitOK
}

func cmdWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file path")
	pool := fs.String("pool", "", "Pool to serve (required)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *pool == "" {
		fmt.Fprintln(os.Stderr, "worker: --pool is required")
		return exitConfig
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}

	logger := common.InitLogger(cfg)
	common.PrintBanner(common.GetVersion())

	application, err := app.New(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to wire application")
		return exitUnrecoverable
	}
	defer application.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := application.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start application")
		return exitUnrecoverable
	}
	if err := application.StartWorkers(ctx, *pool); err != nil {
		if errors.Is(err, interfaces.ErrUnknownPool) {
			fmt.Fprintln(os.Stderr, "worker:", err)
			return exitConfig
		}
		logger.Error().Err(err).Msg("Failed to start workers")
		return exitUnrecoverable
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")
	return exitOK
}

func cmdEnqueue(args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file path")
	pool := fs.String("pool", "", "Target pool (required)")
	payload := fs.String("payload", "", "Job payload JSON (required)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *pool == "" || *payload == "" {
		fmt.Fprintln(os.Stderr, "enqueue: --pool and --payload are required")
		return exitConfig
	}
	if !json.Valid([]byte(*payload)) {
		fmt.Fprintln(os.Stderr, "enqueue: --payload is not valid JSON")
		return exitConfig
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}
	common.InitLogger(cfg)

	application, err := app.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "enqueue:", err)
		return exitTransient
	}
	defer application.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobID, err := application.Dispatcher.EnqueueStage(ctx, *pool, json.RawMessage(*payload), "")
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrUnknownPool):
			fmt.Fprintln(os.Stderr, "enqueue:", err)
			return exitConfig
		case errors.Is(err, interfaces.ErrPoolUnavailable), errors.Is(err, interfaces.ErrBrokerUnavailable):
			fmt.Fprintln(os.Stderr, "enqueue:", err)
			return exitTransient
		default:
			fmt.Fprintln(os.Stderr, "enqueue:", err)
			return exitUnrecoverable
		}
	}

	fmt.Println(jobID)
	return exitOK
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file path")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dossier status <job_id>")
		return exitConfig
	}
	jobID := fs.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}
	common.InitLogger(cfg)

	application, err := app.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return exitTransient
	}
	defer application.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := application.JobStore.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			fmt.Fprintln(os.Stderr, "status: job not found:", jobID)
			return exitUnrecoverable
		}
		fmt.Fprintln(os.Stderr, "status:", err)
		return exitTransient
	}

	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return exitUnrecoverable
	}
	fmt.Println(string(out))
	return exitOK
}

func cmdPools(args []string) int {
	fs := flag.NewFlagSet("pools", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file path")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}
	common.InitLogger(cfg)

	application, err := app.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pools:", err)
		return exitTransient
	}
	defer application.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statuses, err := application.Dispatcher.Pools(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pools:", err)
		return exitTransient
	}

	fmt.Printf("%-12s %-12s %8s %8s %8s\n", "POOL", "TIER", "WORKERS", "QUEUED", "TIMEOUT")
	for _, status := range statuses {
		fmt.Printf("%-12s %-12s %8d %8d %8s\n",
			status.Pool.Name, status.Pool.ResourceTier,
			status.LiveWorkers, status.QueueDepth, status.Pool.JobTimeout)
	}
	return exitOK
}
