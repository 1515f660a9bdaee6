package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"

	"github.com/alanyoungcy/arbitrageur/internal/cache/redis"
	"github.com/alanyoungcy/arbitrageur/internal/config"
	"github.com/alanyoungcy/arbitrageur/internal/crypto"
	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

func checkConfigCmd(args []string) error {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	redacted := config.RedactedConfig(cfg)
	return toml.NewEncoder(os.Stdout).Encode(redacted)
}

// encryptKeyCmd reads the raw key and password from environment variables
// so neither ends up in shell history.
func encryptKeyCmd(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ExitOnError)
	out := fs.String("out", "wallet.json", "keystore file to write")
	keyEnv := fs.String("key-env", "ARBITRAGEUR_WALLET_PRIVATE_KEY", "environment variable holding the hex private key")
	passEnv := fs.String("password-env", "ARBITRAGEUR_WALLET_KEY_PASSWORD", "environment variable holding the password")
	_ = fs.Parse(args)

	key := strings.TrimSpace(os.Getenv(*keyEnv))
	if key == "" {
		return fmt.Errorf("encrypt-key: %s is empty", *keyEnv)
	}
	data, err := crypto.EncryptKey(key, os.Getenv(*passEnv))
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fmt.Errorf("encrypt-key: write %s: %w", *out, err)
	}

	// Confirm the file opens with the same password before the raw key is
	// discarded.
	signer, err := crypto.NewSignerFromSource(crypto.KeySource{EncryptedKeyPath: *out, KeyPassword: os.Getenv(*passEnv)})
	if err != nil {
		return fmt.Errorf("encrypt-key: verify %s: %w", *out, err)
	}
	fmt.Printf("wrote %s for %s\n", *out, signer.Address().Hex())
	return nil
}

func watchCmd(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	attemptsOnly := fs.Bool("attempts", false, "only print execution attempts")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return errors.New("watch: redis.enabled is false, nothing is published")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return err
	}
	defer rc.Close()

	channels := []string{domain.ChannelAttempts}
	if !*attemptsOnly {
		channels = append(channels, domain.ChannelCycles)
	}
	msgs, err := redis.NewEventBus(rc).Subscribe(ctx, channels...)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for msg := range msgs {
		if err := enc.Encode(map[string]any{
			"channel": msg.Channel,
			"payload": json.RawMessage(msg.Payload),
		}); err != nil {
			return err
		}
	}
	return nil
}
