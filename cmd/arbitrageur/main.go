// Command arbitrageur is the entry point of the cross-venue arbitrage bot.
// It loads configuration, validates it, wires dependencies, sets up signal
// handling and runs the configured mode. Auxiliary subcommands encrypt a
// wallet key, print the effective configuration and tail the event bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/arbitrageur/internal/app"
	"github.com/alanyoungcy/arbitrageur/internal/config"
)

const usage = `usage: arbitrageur [command] [flags]

commands:
  run            run the bot (default)
  check-config   validate the configuration and print it with secrets redacted
  encrypt-key    seal a wallet private key into a keystore file
  watch          print cycle reports and attempts published on Redis
`

func main() {
	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runCmd(args)
	case "check-config":
		err = checkConfigCmd(args)
	case "encrypt-key":
		err = encryptKeyCmd(args)
	case "watch":
		err = watchCmd(args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	_ = fs.Parse(args)

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("invalid configuration",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return err
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("arbitrageur starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("arbitrageur stopped")
	return nil
}

// loadConfig reads and validates the configuration at path.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the JSON logger at the named level; unknown names mean
// info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
