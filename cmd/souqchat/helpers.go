package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	chatsync "github.com/souqly/chatsync-go"
)

// getClient creates a service client from the stored credentials.
func getClient() *chatsync.Client {
	cfg := mustConfig()

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// getIdentity builds the engine identity from the stored credentials.
func getIdentity() chatsync.Identity {
	cfg := mustConfig()
	role := chatsync.Role(cfg.Auth.Role)
	if role == "" {
		role = chatsync.RoleCustomer
	}
	return chatsync.Identity{
		UserRef:     cfg.Auth.UserRef,
		DisplayName: cfg.Auth.DisplayName,
		Role:        role,
	}
}

// getLogger builds the dual-output logger from config. The cleanup function
// must be called before exit.
func getLogger() (*slog.Logger, func() error) {
	cfg := mustConfig()

	level := slog.LevelInfo
	switch cfg.Default.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	logFile := cfg.Default.LogFile
	if logFile == "" {
		dir, err := configDir()
		if err != nil {
			return slog.Default(), func() error { return nil }
		}
		logFile = filepath.Join(dir, "souqchat.log")
	}
	return chatsync.SetupLogger(logFile, level)
}

// newEngine builds a connected-capable engine for the stored identity.
func newEngine() *chatsync.Engine {
	logger, _ := getLogger()
	return chatsync.NewEngine(getClient(), getIdentity(), &chatsync.EngineOptions{
		Logger: logger,
	})
}

func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'souqchat login <token> --user <ref>' first.")
		os.Exit(1)
	}
	return cfg
}
