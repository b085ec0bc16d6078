package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"

	"github.com/hatago-mcp/hatago/internal/adapter/inbound/httpserver"
	"github.com/hatago-mcp/hatago/internal/adapter/inbound/stdioserver"
	auditstore "github.com/hatago-mcp/hatago/internal/adapter/outbound/audit"
	"github.com/hatago-mcp/hatago/internal/adapter/outbound/sessionstore"
	"github.com/hatago-mcp/hatago/internal/adapter/outbound/state"
	"github.com/hatago-mcp/hatago/internal/config"
	"github.com/hatago-mcp/hatago/internal/domain/audit"
	"github.com/hatago-mcp/hatago/internal/domain/capability"
	"github.com/hatago-mcp/hatago/internal/domain/session"
	"github.com/hatago-mcp/hatago/internal/port/inbound"
	"github.com/hatago-mcp/hatago/internal/service"
)

func newServeCommand() *cobra.Command {
	var (
		httpMode bool
		stdio    bool
		host     string
		port     int
		watch    bool
		tags     []string
		envFiles []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			if httpMode && stdio {
				return fmt.Errorf("--http and --stdio are mutually exclusive")
			}
			return runServe(stdio, host, port, watch, tags, envFiles)
		},
	}

	cmd.Flags().BoolVar(&httpMode, "http", false, "serve over streamable HTTP (the default)")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve over stdin/stdout instead of HTTP")
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "hot-reload on config file changes")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "only start servers carrying one of these tags")
	cmd.Flags().StringArrayVar(&envFiles, "env-file", nil, "load environment variables from file before reading config (repeatable)")
	return cmd
}

// loadEnvFiles loads dotenv files into the process environment, in
// order, without overriding variables already set.
func loadEnvFiles(paths []string) error {
	for _, p := range paths {
		if err := gotenv.Load(p); err != nil {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// derivedPath returns configPath+suffix, the location for hub state
// files kept next to the config.
func derivedPath(configPath, suffix string) string {
	return configPath + suffix
}

func runServe(stdio bool, host string, port int, watch bool, tags, envFiles []string) error {
	if err := loadEnvFiles(envFiles); err != nil {
		return err
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := flagLogLevel
	if level == "" {
		level = cfg.LogLevel
	}
	logger := newLogger(level)

	if host != "" {
		cfg.HTTP.Host = host
	}
	if port != 0 {
		cfg.HTTP.Port = port
	}

	var auditor audit.Store = audit.Nop{}
	if cfg.Audit.Enabled {
		path := cfg.Audit.Path
		if path == "" {
			path = derivedPath(flagConfig, ".audit.log")
		}
		fileStore, err := auditstore.NewFileStore(auditstore.FileConfig{
			Path:        path,
			MaxFileSize: int64(cfg.Audit.MaxFileSizeMB) << 20,
			Generations: cfg.Audit.Generations,
		}, logger)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		auditor = fileStore
	}
	defer func() { _ = auditor.Close() }()

	var store session.Store
	if cfg.Session.Persist {
		dbPath := cfg.Session.Store
		if dbPath == "" {
			dbPath = derivedPath(flagConfig, ".sessions.db")
		}
		sqliteStore, err := sessionstore.NewSQLiteStore(dbPath)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer func() { _ = sqliteStore.Close() }()
		store = sqliteStore
	} else {
		store = sessionstore.NewMemoryStore(0)
	}
	sessions := session.NewService(store, session.Config{TTL: cfg.SessionTTL()}, logger)

	registry := capability.NewRegistry(cfg.Naming())
	timeouts := service.Timeouts{
		Spawn:       cfg.Timeouts.Spawn(),
		Healthcheck: cfg.Timeouts.Healthcheck(),
		ToolCall:    cfg.Timeouts.ToolCall(),
	}
	manager := service.NewManager(registry, auditor, logger,
		service.WithTimeouts(timeouts),
		service.WithPerServerConcurrency(cfg.Concurrency.Global),
		service.WithConcurrencyOverrides(cfg.Concurrency.PerServer),
	)

	meta := state.NewStore(derivedPath(flagConfig, ".metadata.json"), logger)
	hub := service.NewHub(registry, manager, sessions, auditor, timeouts, logger,
		service.WithMetadataStore(meta))
	if err := hub.Init(cfg, tags); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub.Start(ctx)
	defer hub.Stop()

	if watch {
		reloader := service.NewReloader(hub, auditor, flagConfig, tags, cfg,
			state.BackupConfig, logger)
		go func() {
			if err := reloader.Run(ctx); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	var srv inbound.Server
	if stdio {
		srv = stdioserver.NewServer(hub, sessions, os.Stdin, os.Stdout, logger)
	} else {
		srv = httpserver.NewServer(httpserver.Options{
			Host: cfg.HTTP.Host,
			Port: cfg.HTTP.Port,
			Path: cfg.HTTP.Path,
		}, hub, sessions, hub, logger)
	}

	err = srv.Start(ctx)
	_ = srv.Close()
	return err
}
