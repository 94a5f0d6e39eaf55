// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command ecolink relays chat between an Eco game server and a Discord or
// Mattermost server. Channel pairings, mention policy and the bot token come
// from a YAML config that is upgraded against the embedded example config
// on every start.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aiku/ecolink/pkg/chatlog"
	"github.com/aiku/ecolink/pkg/connector"
	"github.com/aiku/ecolink/pkg/platform"
	"github.com/aiku/ecolink/pkg/platform/discord"
	"github.com/aiku/ecolink/pkg/platform/game"
	"github.com/aiku/ecolink/pkg/platform/mattermost"
	"github.com/aiku/ecolink/pkg/player"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const tokenEnv = "ECOLINK_BOT_TOKEN"

type Options struct {
	Config   string `short:"c" long:"config" default:"config.yaml" description:"Path to the config file"`
	NoUpdate bool   `long:"no-update" description:"Do not write the upgraded config back to disk"`
	Version  bool   `long:"version" description:"Print the version and exit"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if opts.Version {
		fmt.Printf("ecolink %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	if _, err := os.Stat(opts.Config); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(opts.Config, []byte(connector.ExampleConfig), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write example config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote example config to %s, edit it and start again\n", opts.Config)
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(log, opts, cfg); err != nil {
		log.Error().Err(err).Msg("Bridge exited with an error")
		closeLog()
		os.Exit(1)
	}
}

func loadConfig(opts Options) (*connector.Config, error) {
	cfg, err := connector.LoadConfig(opts.Config, !opts.NoUpdate)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if token := os.Getenv(tokenEnv); token != "" {
		cfg.BotToken = token
	}
	return cfg, nil
}

func newLogger(cfg *connector.Config) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}}
	closeLog := func() {}
	if cfg.Logging.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    10,
			MaxBackups: 5,
			Compress:   true,
		}
		writers = append(writers, file)
		closeLog = func() { _ = file.Close() }
	}
	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().
		Logger()
	return log, closeLog, nil
}

func newPlayerStore(cfg *connector.Config) (player.Store, error) {
	switch cfg.PlayerStore.Driver {
	case "sqlite":
		store, err := player.NewSQLiteStore(cfg.PlayerStore.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory", "":
		return player.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown player store driver %q", cfg.PlayerStore.Driver)
	}
}

func newService(log zerolog.Logger, cfg *connector.Config) platform.Service {
	if cfg.Platform == connector.PlatformMattermost {
		return mattermost.New(log, cfg.Mattermost.ServerURL)
	}
	return discord.New(log)
}

func platformName(cfg *connector.Config) string {
	if cfg.Platform == connector.PlatformMattermost {
		return "Mattermost"
	}
	return "Discord"
}

func run(log zerolog.Logger, opts Options, cfg *connector.Config) error {
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("platform", cfg.Platform).
		Msg("Starting ecolink")

	players, err := newPlayerStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open player store: %w", err)
	}

	var chatLog *chatlog.Writer
	if cfg.Chatlog.Enabled {
		chatLog, err = chatlog.Open(log, chatlog.Options{
			Path:          cfg.Chatlog.Path,
			FlushInterval: cfg.Chatlog.FlushInterval,
			PlatformName:  platformName(cfg),
		})
		if err != nil {
			_ = players.Close()
			return fmt.Errorf("failed to open chat log: %w", err)
		}
	}

	gameClient := game.New(log, game.Options{URL: cfg.Game.URL, BotName: cfg.Game.BotName})
	conn := connector.New(log, cfg, newService(log, cfg), gameClient, connector.Options{
		Players: players,
		Chatlog: chatLog,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := conn.Start(ctx); err != nil {
		conn.Stop()
		return fmt.Errorf("failed to start connector: %w", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for sig := range signals {
		if sig != syscall.SIGHUP {
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			break
		}
		next, err := loadConfig(opts)
		if err != nil {
			log.Error().Err(err).Msg("Failed to reload config, keeping the current one")
			continue
		}
		if next.Platform != cfg.Platform {
			log.Warn().Msg("Changing the platform requires a restart, ignoring it")
			next.Platform = cfg.Platform
		}
		log.Info().Msg("Reloading config")
		conn.ApplyConfig(ctx, next)
	}

	conn.Stop()
	return nil
}
