package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/hub"
	"mcphub-go/internal/index"
	"mcphub-go/internal/logs"
	"mcphub-go/internal/oauth"
	"mcphub-go/internal/observability"
	"mcphub-go/internal/upstream"
)

var version = "dev"

// Exit codes: 0 clean shutdown, 1 fatal configuration error, 2 port bind
// failure.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mcphub",
		Short:         "MCPHub aggregates upstream MCP servers behind one streaming endpoint",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.Int("port", 3000, "listen port")
	flags.String("base-path", "", "base path for all endpoints")
	flags.String("settings", "", "path to mcp_settings.json (file or directory)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-file", false, "also log to a rotating file")

	_ = viper.BindPFlag("port", flags.Lookup("port"))
	_ = viper.BindPFlag("base-path", flags.Lookup("base-path"))
	_ = viper.BindPFlag("settings", flags.Lookup("settings"))
	_ = viper.BindPFlag("log-level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log-file", flags.Lookup("log-file"))
	_ = viper.BindEnv("port", "PORT")
	_ = viper.BindEnv("base-path", "BASE_PATH")
	_ = viper.BindEnv("settings", config.EnvSettingPath)
	_ = viper.BindEnv("request-timeout", "REQUEST_TIMEOUT")
	_ = viper.BindEnv("env", "NODE_ENV")
	_ = viper.BindEnv("otlp-endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.message)
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}

type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string { return e.message }

func runServe(ctx context.Context) error {
	logCfg := logs.DefaultConfig()
	if level := viper.GetString("log-level"); level != "" {
		logCfg.Level = level
	} else if viper.GetString("env") == "development" {
		logCfg.Level = logs.LogLevelDebug
	}
	logCfg.EnableFile = viper.GetBool("log-file")

	logger, err := logs.Setup(logCfg)
	if err != nil {
		return &exitError{code: exitConfigError, message: fmt.Sprintf("logger setup failed: %v", err)}
	}
	defer func() { _ = logger.Sync() }()

	store := config.NewStore(viper.GetString("settings"), logger)
	settings, err := store.Load()
	if err != nil {
		return &exitError{code: exitConfigError, message: fmt.Sprintf("settings: %v", err)}
	}
	logger.Info("Settings loaded",
		zap.String("path", store.Path()),
		zap.Int("servers", len(settings.MCPServers)))

	port := viper.GetInt("port")
	basePath := viper.GetString("base-path")

	redirectURI := fmt.Sprintf("http://localhost:%d%s/oauth/callback", port, basePath)
	coordinator := oauth.NewCoordinator(store, redirectURI, logger)

	registry := upstream.NewRegistry(store, coordinator, logCfg, logger)
	coordinator.OnAuthorized(registry.ResumeAfterAuth)
	if raw := viper.GetString("request-timeout"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			registry.SetDefaultTimeout(time.Duration(ms) * time.Millisecond)
		}
	}

	metrics := observability.NewMetrics()
	sessions := hub.NewSessionManager(logger)

	search := buildSearchIndex(settings, registry, logger)
	dispatcher := hub.NewDispatcher(store, registry, sessions, search, coordinator.AuthorizationURL, metrics, logger)

	otlpEndpoint := viper.GetString("otlp-endpoint")
	tracing, err := observability.NewTracingManager(observability.TracingConfig{
		Enabled:        otlpEndpoint != "",
		ServiceName:    "mcphub",
		ServiceVersion: version,
		OTLPEndpoint:   otlpEndpoint,
		SampleRate:     1,
	}, logger)
	if err != nil {
		logger.Warn("Tracing unavailable", zap.Error(err))
	} else {
		dispatcher.SetTracing(tracing)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.Close(closeCtx)
		}()
	}

	var proxy *oauth.Proxy
	if settings.SystemConfig != nil && settings.SystemConfig.OAuth != nil && settings.SystemConfig.OAuth.Enabled {
		origin := fmt.Sprintf("http://localhost:%d%s", port, basePath)
		proxy = oauth.NewProxy(settings.SystemConfig.OAuth, origin, logger)
	}

	server := hub.NewServer(store, registry, sessions, dispatcher, coordinator, proxy, metrics, basePath, logger)

	if err := store.Watch(); err != nil {
		logger.Warn("Settings file watch unavailable", zap.Error(err))
	}
	defer store.Close()

	if search != nil {
		registry.OnCatalogChange(func() {
			rebuildCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := search.Rebuild(rebuildCtx); err != nil {
				logger.Warn("Index rebuild failed", zap.Error(err))
			}
		})
		defer search.Close()
	}

	if err := registry.Start(ctx); err != nil {
		return &exitError{code: exitConfigError, message: fmt.Sprintf("upstream registry: %v", err)}
	}
	defer registry.Stop()

	sessions.Start(ctx)
	defer sessions.Stop()

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return &exitError{code: exitBindError, message: fmt.Sprintf("bind %s: %v", addr, err)}
	}

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("MCPHub listening",
			zap.String("addr", addr),
			zap.String("base_path", basePath))
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return &exitError{code: exitBindError, message: fmt.Sprintf("serve: %v", err)}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return nil
}

// buildSearchIndex assembles the smart-routing index from the settings, or
// nil when smart routing is disabled or its backend cannot start.
func buildSearchIndex(settings *config.Settings, registry *upstream.Registry, logger *zap.Logger) *index.Manager {
	smart := settings.SmartRouting()
	if !smart.Enabled {
		return nil
	}

	var backend index.Backend
	switch smart.Backend {
	case "bleve":
		dataDir := smart.DataDir
		if dataDir == "" {
			dataDir = "."
		}
		bleveBackend, err := index.NewBleveBackend(dataDir)
		if err != nil {
			logger.Warn("Smart routing disabled: bleve backend unavailable", zap.Error(err))
			return nil
		}
		backend = bleveBackend
	default:
		backend = index.NewMemoryBackend()
	}

	var cache *index.EmbeddingCache
	if smart.DataDir != "" {
		var err error
		cache, err = index.NewEmbeddingCache(smart.DataDir, smart.EmbeddingModel)
		if err != nil {
			logger.Warn("Embedding cache unavailable", zap.Error(err))
		}
	}

	source := func() []index.Document {
		tools := registry.CatalogTools(nil)
		docs := make([]index.Document, 0, len(tools))
		for _, tool := range tools {
			docs = append(docs, index.Document{
				ID:          tool.Qualified,
				ServerName:  tool.ServerName,
				ToolName:    tool.ToolName,
				Description: tool.Description,
				SchemaJSON:  string(tool.RawSchema),
			})
		}
		return docs
	}

	return index.NewManager(backend, index.NewHTTPEmbedder(smart), cache, source, logger)
}
