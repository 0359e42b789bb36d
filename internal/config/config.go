// Package config содержит логику чтения конфигурации клиента пожертвований.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации клиента пожертвований.
type Config struct {
	APIAddress  string `env:"API_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	PendingFile string `env:"PENDING_FILE"`

	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	PollMaxAttempts int           `env:"POLL_MAX_ATTEMPTS" envDefault:"60"`
	PollDeadline    time.Duration `env:"POLL_DEADLINE" envDefault:"30m"`

	DonorName    string
	Amount       float64
	CustomDesign string
	Email        string
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envAPIAddress := cfg.APIAddress
	envDatabaseURI := cfg.DatabaseURI
	envPendingFile := cfg.PendingFile

	flag.StringVar(&cfg.APIAddress, "a", "https://bilau-backend.onrender.com/api", "donation backend base URL")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI for the pending-payment store (file store is used when empty)")
	flag.StringVar(&cfg.PendingFile, "f", "pending_payments.json", "path of the file-backed pending-payment store")

	flag.StringVar(&cfg.DonorName, "name", "", "donor name")
	flag.Float64Var(&cfg.Amount, "amount", 0, "donation amount (0 runs recovery only)")
	flag.StringVar(&cfg.CustomDesign, "design", "", "custom card design text (required for premium donations)")
	flag.StringVar(&cfg.Email, "email", "", "donor email (required for premium donations)")

	flag.Parse()

	if envAPIAddress != "" {
		cfg.APIAddress = envAPIAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPendingFile != "" {
		cfg.PendingFile = envPendingFile
	}

	if cfg.APIAddress == "" {
		cfg.APIAddress = "https://bilau-backend.onrender.com/api"
	}
	if cfg.PendingFile == "" {
		cfg.PendingFile = "pending_payments.json"
	}

	return cfg, nil
}
