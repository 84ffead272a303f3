package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/searchktools/stagehttp/core/http"
)

// EnvPrefix is the prefix of environment variables read into the config
const EnvPrefix = "STAGEHTTP"

// Config holds all application configuration.
type Config struct {
	Port       int
	Env        string
	LogLevel   string
	Workers    int
	MaxConns   int
	ConfigFile string
	Limits     http.Limits
}

// New loads configuration from the command line flags, the optional JSON
// file and STAGEHTTP_ environment variables. It exits on bad input.
func New() *Config {
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// Parse builds a Config from args
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("stagehttp", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", 8080, "HTTP server port")
	fs.StringVar(&cfg.Env, "env", "development", "Environment (development/production)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug/info/warn/error)")
	fs.IntVar(&cfg.Workers, "workers", 0, "Workers for threaded handlers (0 = NumCPU)")
	fs.IntVar(&cfg.MaxConns, "max-conns", 100000, "Maximum concurrent connections")
	fs.StringVar(&cfg.ConfigFile, "config", "", "JSON configuration file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Override with ENV if present
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.Port = p
	}

	m := NewManager()
	if cfg.ConfigFile != "" {
		if err := m.LoadFromJSON(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)

	limits, err := LoadLimits(m)
	if err != nil {
		return nil, err
	}
	cfg.Limits = limits
	cfg.LogLevel = m.GetString("log.level", cfg.LogLevel)
	cfg.Workers = m.GetInt("workers", cfg.Workers)
	return cfg, nil
}

// LoadLimits reads the "limits" section of m over the default limits
func LoadLimits(m *Manager) (http.Limits, error) {
	limits := http.DefaultLimits()
	if err := m.Unmarshal("limits", &limits); err != nil {
		return limits, fmt.Errorf("limits: %w", err)
	}
	return limits, nil
}
