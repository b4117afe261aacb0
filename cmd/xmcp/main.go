package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xmcp-labs/xmcp-go/internal/config"
	"github.com/xmcp-labs/xmcp-go/internal/httpapi"
	"github.com/xmcp-labs/xmcp-go/internal/logs"
	"github.com/xmcp-labs/xmcp-go/internal/oauth"
	"github.com/xmcp-labs/xmcp-go/internal/server"
	"github.com/xmcp-labs/xmcp-go/internal/storage"
	"github.com/xmcp-labs/xmcp-go/internal/tenant"
	"github.com/xmcp-labs/xmcp-go/internal/tokenstore"
	"github.com/xmcp-labs/xmcp-go/internal/upstream/xapi"
)

var (
	configFile  string
	dataDir     string
	listen      string
	logLevel    string
	logToFile   bool
	logDir      string
	multiTenant bool
	stdioMode   bool

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "xmcp",
		Short:   "xmcp - OAuth token lifecycle manager and MCP gateway for the X API",
		Version: version,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.xmcp)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address for the HTTP server")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Enable logging to file")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path")
	rootCmd.PersistentFlags().BoolVar(&multiTenant, "multi-tenant", false, "Require API keys and serve tenants from the registry file")
	rootCmd.PersistentFlags().BoolVar(&stdioMode, "stdio", false, "Serve MCP over stdio instead of HTTP (single-tenant only)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Logging == nil {
		cfg.Logging = config.DefaultConfig().Logging
	}
	cfg.Logging.Level = logLevel
	cfg.Logging.EnableFile = logToFile
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}
	if stdioMode {
		// stdout is the MCP transport; console logging would corrupt it.
		cfg.Logging.EnableConsole = false
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting xmcp",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("multi_tenant", cfg.MultiTenant),
		zap.Bool("stdio", stdioMode))

	if stdioMode && cfg.MultiTenant {
		return fmt.Errorf("stdio mode is single-tenant only")
	}

	db, err := storage.NewBoltDB(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database", zap.Error(err))
		}
	}()

	// Load order is the trust order: explicit env wins, then the data
	// dir, then bolt. Saves fan out to every backend.
	backends := []tokenstore.Backend{
		tokenstore.NewEnvBackend(logger),
		tokenstore.NewFileBackend(cfg.DataDir, logger),
		tokenstore.NewBoltBackend(db),
	}
	if rp := cfg.RemotePersist; rp != nil {
		backends = append(backends, tokenstore.NewRemoteBackend(rp.APIBaseURL, rp.AppID, rp.APIToken, logger))
	}
	store := tokenstore.New(logger, backends...)

	var registry *tenant.Registry
	if cfg.MultiTenant {
		registry = tenant.NewRegistry(db, logger)
		if err := registry.LoadFile(cfg.RegistryPath); err != nil {
			return fmt.Errorf("failed to load tenant registry: %w", err)
		}
	}

	resolver := tenant.NewResolver(registry, cfg)
	manager := oauth.NewManager(store, resolver, oauth.ManagerConfig{
		TokenURL:    cfg.Upstream.TokenURL,
		RefreshSkew: cfg.RefreshSkew,
	}, logger)
	flow := oauth.NewFlowController(resolver, manager, db, oauth.FlowControllerConfig{
		AuthURL:  cfg.Upstream.AuthURL,
		TokenURL: cfg.Upstream.TokenURL,
		FlowTTL:  cfg.FlowTTL,
	}, logger)

	factory := server.NewClientFactory(manager, xapi.ClientConfig{
		BaseURL:   cfg.Upstream.APIBaseURL,
		RateLimit: cfg.Upstream.RateLimit,
		RateBurst: cfg.Upstream.RateBurst,
		Timeout:   cfg.Upstream.Timeout,
	}, logger)
	mcpSrv := server.NewMCPServer(registry, factory, cfg.MultiTenant, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if registry != nil {
		go func() {
			if err := registry.Watch(ctx); err != nil {
				logger.Warn("registry watcher stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(cfg.FlowTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				flow.PurgeExpired()
			}
		}
	}()

	if stdioMode {
		logger.Info("Serving MCP over stdio")
		return mcpSrv.ServeStdio()
	}

	httpSrv := httpapi.NewServer(httpapi.Config{
		Listen:      cfg.Listen,
		MultiTenant: cfg.MultiTenant,
	}, registry, flow, manager, factory, mcpSrv, logger)

	errChan := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}
