package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/app"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/server"
)

// configPaths collects repeated -config flags; later files override earlier ones
type configPaths []string

func (c *configPaths) String() string { return strings.Join(*c, ",") }

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

// defaultConfigPaths are tried in order when no -config flag is given
var defaultConfigPaths = []string{"drover.toml", "deployments/local/drover.toml"}

const shutdownTimeout = 10 * time.Second

var (
	configFiles configPaths
	port        int
	host        string
	showVersion bool
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (repeatable)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
	flag.IntVar(&port, "port", 0, "Server port (overrides config)")
	flag.IntVar(&port, "p", 0, "Server port (shorthand)")
	flag.StringVar(&host, "host", "", "Server host (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Print version information")
	flag.BoolVar(&showVersion, "v", false, "Print version information (shorthand)")
}

func main() {
	defer common.RecoverWithCrashFile()
	flag.Parse()

	if showVersion {
		fmt.Printf("Drover version %s\n", common.GetFullVersion())
		return
	}

	config, err := resolveConfig()
	if err != nil {
		arbor.NewLogger().Fatal().Strs("paths", configFiles).Err(err).Msg("Configuration rejected")
		os.Exit(1)
	}

	common.InstallCrashHandler(common.LogDir(config))
	logger := common.InitLogger(config)
	common.PrintBanner(config, logger)

	if err := run(config, logger); err != nil {
		logger.Fatal().Err(err).Msg("Drover exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Drover stopped")
}

// resolveConfig layers defaults, files, environment and flags, then validates
func resolveConfig() (*common.Config, error) {
	if len(configFiles) == 0 {
		for _, candidate := range defaultConfigPaths {
			if _, err := os.Stat(candidate); err == nil {
				configFiles = append(configFiles, candidate)
				break
			}
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		return nil, err
	}
	common.ApplyFlagOverrides(config, port, host)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// run serves until SIGINT/SIGTERM or a server failure, then drains the
// HTTP server before closing the engine so in-flight requests see a live
// scheduler
func run(config *common.Config, logger arbor.ILogger) error {
	logger.Debug().
		Strs("config_files", configFiles).
		Str("badger_path", config.Storage.Badger.Path).
		Str("session_backend", config.Storage.Sessions.Backend).
		Str("templates_dir", config.Templates.Dir).
		Str("log_file", common.GetLogFilePath(logger)).
		Int("pool_size", config.Pool.Size).
		Msg("Resolved configuration")

	application, err := app.New(config, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	srv := server.New(application)
	serverErr := make(chan error, 1)
	common.SafeGo(logger, "http.server", func() {
		serverErr <- srv.Start()
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case runErr = <-serverErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not drain cleanly")
	}
	if err := application.Close(); err != nil {
		logger.Warn().Err(err).Msg("Application shutdown reported errors")
	}
	return runErr
}
