package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBFile     string
	APIAddr    string
	NotifyAddr string
	AuthSecret string
	GraceDelay time.Duration
}

func Load(cliMode bool) (*Config, error) {
	graceDelay, err := time.ParseDuration(getEnv("GRACE_DELAY", "500ms"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:     getEnv("VESTNIK_DB", "vestnik.db"),
		APIAddr:    getEnv("API_ADDR", ":8080"),
		NotifyAddr: getEnv("NOTIFY_ADDR", "localhost:8081"),
		AuthSecret: os.Getenv("AUTH_SECRET"),
		GraceDelay: graceDelay,
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.GraceDelay <= 0 {
		return fmt.Errorf("GRACE_DELAY must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
