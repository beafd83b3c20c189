package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/config"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/logging"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/server"
)

// serveOptions are flags that override configuration loaded from the
// environment. Only flags set on the command line take effect.
type serveOptions struct {
	*rootOptions
	Host      string
	Port      string
	Dev       bool
	LogLevel  string
	Workspace string
	ThemeFile string
	AIURL     string
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host service",
		Long: `Run the WorldBuilder host: bind the local API, resolve services, load
the theme, then index and migrate the workspace in the background.

Example:
  worldbuilder serve --port 8000 --workspace ~/Stories
  worldbuilder serve --dev --ai-url http://127.0.0.1:11434`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return serve(cmd, cfg)
		},
	}

	bindConfigFlags(cmd, opts)
	return cmd
}

// bindConfigFlags registers the flags that override configuration.
func bindConfigFlags(cmd *cobra.Command, opts *serveOptions) {
	cmd.Flags().StringVar(&opts.Host, "host", "", "listen host (HOST)")
	cmd.Flags().StringVarP(&opts.Port, "port", "p", "", "listen port (PORT)")
	cmd.Flags().BoolVar(&opts.Dev, "dev", false, "development logging (LOG_DEV)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "workspace directory (WORKSPACE_DIR)")
	cmd.Flags().StringVar(&opts.ThemeFile, "theme", "", "theme file (THEME_FILE)")
	cmd.Flags().StringVar(&opts.AIURL, "ai-url", "", "AI inference service URL (AI_URL)")
}

// loadConfig reads the dotenv file and environment, then applies the flags
// that were set explicitly.
func loadConfig(cmd *cobra.Command, opts *serveOptions) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = opts.Host
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.Port
	}
	if flags.Changed("dev") {
		cfg.Logging.Development = opts.Dev
		if opts.Dev && !flags.Changed("log-level") {
			cfg.Logging.Level = "debug"
		}
	}
	if flags.Changed("log-level") {
		if _, err := logging.ParseLevel(opts.LogLevel); err != nil {
			return nil, fmt.Errorf("invalid --log-level: %w", err)
		}
		cfg.Logging.Level = opts.LogLevel
	}
	if flags.Changed("workspace") {
		cfg.Workspace.Dir = opts.Workspace
	}
	if flags.Changed("theme") {
		cfg.Workspace.ThemeFile = opts.ThemeFile
	}
	if flags.Changed("ai-url") {
		cfg.Inference.URL = opts.AIURL
	}
	return cfg, nil
}

func serve(cmd *cobra.Command, cfg *config.Config) error {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	srv, err := server.New(server.Options{
		Config:  cfg,
		Logger:  logger,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting WorldBuilder host",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
	)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Host stopped with error", zap.Error(err))
		return err
	}
	logger.Info("WorldBuilder host stopped")
	return nil
}
