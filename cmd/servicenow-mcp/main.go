// Package main is the entry point for the servicenow-devtools-mcp server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Xerrion/servicenow-devtools-mcp/api"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/auth"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/config"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/preview"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/seed"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/server"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/servicenow"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/tools"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	// stdout carries the stdio transport, so logs never go there.
	var sink io.Writer = os.Stderr
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}
		defer rotator.Close()
		sink = zerolog.MultiLevelWriter(os.Stderr, rotator)
	}
	log.Logger = zerolog.New(sink).With().Timestamp().Str("service", "servicenow-mcp").Str("version", version).Logger()

	logger := log.With().Str("component", "main").Logger()
	logger.Info().Str("transport", cfg.Transport).Str("tool_package", cfg.ToolPackage).Msg("starting servicenow-devtools-mcp")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	credentials, err := auth.ResolveCredentials(auth.CredentialOptions{
		Username:        cfg.Username,
		Password:        cfg.Password,
		Token:           cfg.Token,
		CredentialsPath: cfg.CredentialsPath,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve ServiceNow credentials")
	}
	logger.Info().Str("credential_source", string(credentials.Source)).Str("auth_scheme", credentials.Scheme()).Msg("resolved ServiceNow credentials")

	client, err := servicenow.New(servicenow.Config{
		InstanceURL:      cfg.InstanceURL,
		Credentials:      credentials,
		Timeout:          cfg.RequestTimeout,
		MaxRetries:       cfg.MaxRetries,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
		MetadataCacheTTL: cfg.MetadataCacheTTL,
		UserAgent:        "servicenow-devtools-mcp/" + version,
	}, log.Logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create ServiceNow client")
	}

	catalog := policy.NewCatalog(cfg.DeniedTables, cfg.LargeTables)
	guard, err := policy.NewQueryGuard(catalog, cfg.MaxRowLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid query guard configuration")
	}
	masker, err := policy.NewMasker(cfg.MaskPatterns)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid mask pattern")
	}
	gate := policy.NewWriteGate(policy.StaticEnvironment(cfg.EnvironmentContext()))
	logger.Info().
		Str("environment", gate.Environment().Label).
		Str("mode", gate.Mode()).
		Int("max_row_limit", guard.MaxRowLimit()).
		Strs("large_tables", catalog.LargeTables()).
		Msg("safety policy initialized")

	previewStore := preview.NewStore(cfg.PreviewTTL)
	previews := preview.NewService(previewStore, client, gate, catalog, masker, log.Logger)
	go previews.Sweep(ctx, time.Minute)

	seedStore, closeSeedStore, ready := openSeedStore(cfg, logger)
	defer closeSeedStore()
	seeds := seed.NewService(seed.NewTracker(seedStore, log.Logger), client, gate, catalog, log.Logger)

	runner, err := tools.NewRunner(tools.Config{
		Client:   client,
		Guard:    guard,
		Masker:   masker,
		Gate:     gate,
		Previews: previews,
		Seeds:    seeds,
		Package:  cfg.ToolPackage,
	}, log.Logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create tool runner")
	}

	contract, err := server.NewToolRegistry(api.ToolsContract)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse MCP tool contract")
	}
	registry, err := contract.Restrict(runner.Tools())
	if err != nil {
		logger.Fatal().Err(err).Msg("tool contract does not cover enabled tools")
	}
	logger.Info().Strs("groups", runner.Groups()).Int("tools", len(registry.List())).Msg("tool package loaded")

	switch cfg.Transport {
	case config.TransportStdio:
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			cancel()
		}()
		if runErr := server.RunStdio(ctx, os.Stdin, os.Stdout, registry, gate, runner, version, log.Logger); runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error().Err(runErr).Msg("stdio runtime stopped with error")
			cancel()
			closeSeedStore()
			os.Exit(1)
		}
		logger.Info().Msg("stdio runtime stopped")

	case config.TransportHTTP:
		httpServer := server.NewHTTPServer(
			cfg,
			version, commit, buildDate,
			api.ToolsContract,
			registry,
			gate,
			server.NewTokenSessionAuthenticator(cfg.SessionToken),
			runner,
			log.Logger,
		).WithReadiness(ready)
		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           httpServer.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      0, // allow SSE streaming without forcing writer timeout.
			IdleTimeout:       120 * time.Second,
		}
		if cfg.SessionToken == "" {
			logger.Warn().Msg("SERVICENOW_MCP_SESSION_TOKEN is not set; every HTTP tool call will be rejected")
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
			if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				errCh <- serveErr
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		case serveErr := <-errCh:
			logger.Error().Err(serveErr).Msg("HTTP server error")
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error().Err(shutdownErr).Msg("HTTP server shutdown error")
			closeSeedStore()
			os.Exit(1)
		}
		logger.Info().Msg("server stopped gracefully")

	default:
		logger.Fatal().Str("transport", cfg.Transport).Msg("unsupported transport")
	}
}

// openSeedStore returns the configured seed store, its close func, and a
// readiness check.
func openSeedStore(cfg config.Config, logger zerolog.Logger) (seed.Store, func(), func() error) {
	if cfg.SeedStorePath == "" {
		logger.Info().Msg("seed tracking is in memory; tags are lost on restart")
		return seed.NewMemoryStore(), func() {}, nil
	}

	store, err := seed.NewSQLiteStore(cfg.SeedStorePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.SeedStorePath).Msg("failed to open seed store")
	}
	logger.Info().Str("path", cfg.SeedStorePath).Msg("seed tracking is persisted to sqlite")

	closed := false
	closeFn := func() {
		if closed {
			return
		}
		closed = true
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close seed store")
		}
	}
	ready := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return store.Ping(ctx)
	}
	return store, closeFn, ready
}
