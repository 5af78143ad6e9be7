package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"text/tabwriter"

	"toolgate/internal/config"
	"toolgate/internal/credential"
	"toolgate/internal/envelope"
	"toolgate/internal/server"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	version    = server.Version
	logger     *slog.Logger
	configPath string // overridable via --config flag
	logLevel   string // overrides general.logLevel when set
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "toolgate",
		Short: "toolgate: HTTP gateway for math, finance, news, search, scraping, data and music tools",
		Long: `toolgate exposes a fixed catalog of tool capabilities over HTTP/JSON.
Every request is validated, gated on provider credentials, bounded by a
timeout, and answered with a uniform JSON envelope.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file, .json or .yaml (default: ~/.toolgate/config.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(mcpCmd())
	root.AddCommand(toolsCmd())
	root.AddCommand(callCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	daemon := &cobra.Command{Use: "daemon", Short: "Manage the background service"}
	daemon.AddCommand(installDaemonCmd(), uninstallDaemonCmd())
	root.AddCommand(daemon)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist, and reconfigures the global logger from it.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.LoadOrDefaults(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closeLog, nil
}

// setupLogger logs text to stderr, or JSON lines to general.logFile when
// one is configured.
func setupLogger(g config.GeneralConfig) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", g.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	if g.LogFile == "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
		slog.SetDefault(logger)
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create log directory: %w", err)
	}
	f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger = slog.New(slog.NewJSONHandler(f, opts))
	slog.SetDefault(logger)
	return func() { f.Close() }, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Long:  "Serves every capability under /api, plus /api/health, /api/info, /api/batch, /metrics and the optional MCP endpoint. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}
	if g.telegram != nil {
		go g.telegram.Run(ctx)
	}

	scfg := server.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		CORSOrigins:      cfg.Server.CORSOrigins,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		MaxBatch:         cfg.Dispatch.MaxBatch,
		BatchConcurrency: cfg.Dispatch.BatchConcurrency,
		Logger:           logger,
		Metrics:          g.metrics,
		ServeMetrics:     cfg.Metrics.Enabled,
	}
	if g.mcp != nil {
		scfg.MCP = g.mcp.HTTPHandler()
		scfg.MCPPath = cfg.MCP.Path
		logger.Info("mcp endpoint enabled", "path", cfg.MCP.Path)
	}

	if err := server.New(g.dispatcher, scfg).Start(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the capability catalog as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()
			cfg.MCP.Enabled = true
			g, err := buildGateway(cfg, logger)
			if err != nil {
				return err
			}
			if g.telegram != nil {
				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				go g.telegram.Run(ctx)
			}
			return g.mcp.ServeStdio()
		},
	}
}

func toolsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List capabilities and their credential status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()
			g, err := buildGateway(cfg, logger)
			if err != nil {
				return err
			}
			infos := server.Describe(g.dispatcher)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPATH\tSTATUS\tCREDENTIALS")
			for _, info := range infos {
				creds := slices.Clone(info.Credentials)
				if info.EnhancedCredential != "" {
					creds = append(creds, info.EnhancedCredential+" (optional)")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", info.ID, info.Path, info.Status, creds)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full descriptors as JSON")
	return cmd
}

func callCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <capability> [json]",
		Short: "Invoke one capability locally and print its envelope",
		Long:  "Runs a single request through the same validation, credential gate and timeout as the HTTP gateway. The JSON body defaults to {}; pass - to read it from stdin.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer closeLog()

			body := []byte("{}")
			if len(args) == 2 {
				if args[1] == "-" {
					if body, err = io.ReadAll(cmd.InOrStdin()); err != nil {
						return err
					}
				} else {
					body = []byte(args[1])
				}
			}

			g, err := buildGateway(cfg, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := g.dispatcher.Dispatch(ctx, "cli-"+uuid.NewString(), args[0], body)
			if !out.OK() {
				e, status := envelope.FromError(out.Err)
				if err := printJSON(cmd.OutOrStdout(), e); err != nil {
					return err
				}
				return fmt.Errorf("%s failed with status %d", args[0], status)
			}
			return printJSON(cmd.OutOrStdout(), out.Result)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. server.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefaults(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), val)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. dispatch.maxAttempts 2)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefaults(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			var names []string
			if catalog, err := buildCapabilities(cfg, nil, nil); err == nil {
				names = credential.Names(catalog.Descriptors())
			}
			paths := config.ListPaths(cfg, names, os.LookupEnv)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, p := range slices.Sorted(maps.Keys(paths)) {
				fmt.Fprintf(tw, "%s\t%v\n", p, paths[p])
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(initCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}
