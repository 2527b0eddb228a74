package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for pos-agent.
type Config struct {
	// Backend API origins. Both are required.
	MainAPIURL       string `env:"POS_MAIN_API_URL"`
	SequelizerAPIURL string `env:"POS_SEQUELIZER_API_URL"`

	// Identity provider settings.
	IdentityURL    string `env:"POS_IDENTITY_URL"`
	IdentityAPIKey string `env:"POS_IDENTITY_API_KEY"`

	// Directory service holding user role documents. Defaults to the
	// identity origin when empty.
	DirectoryURL string `env:"POS_DIRECTORY_URL"`

	// Operator credentials for the login subcommand.
	Email    string `env:"POS_EMAIL"`
	Password string `env:"POS_PASSWORD"`

	// StatePath overrides the default state database location
	// (~/.pos-agent/state.db).
	StatePath string `env:"POS_STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = cfg.IdentityURL
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath != "" {
		absPath, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path: %w", err)
		}

		cfg.StatePath = absPath
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MainAPIURL == "" {
		return fmt.Errorf("POS_MAIN_API_URL is required")
	}

	if c.SequelizerAPIURL == "" {
		return fmt.Errorf("POS_SEQUELIZER_API_URL is required")
	}

	if c.IdentityURL == "" {
		return fmt.Errorf("POS_IDENTITY_URL is required")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
