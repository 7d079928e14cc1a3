// Package config loads revloop configuration: defaults, then a TOML file,
// then REVLOOP_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the application configuration.
type Config struct {
	Server struct {
		Addr          string `koanf:"addr"`
		WebhookSecret string `koanf:"webhook_secret"`
	} `koanf:"server"`

	Database struct {
		URL string `koanf:"url"`
	} `koanf:"database"`

	GitHub struct {
		AppID          int64  `koanf:"app_id"`
		PrivateKeyPath string `koanf:"private_key_path"`
	} `koanf:"github"`

	Agent struct {
		BinPath       string        `koanf:"bin_path"`
		TurnTimeout   time.Duration `koanf:"turn_timeout"`
		TopPatchCount int           `koanf:"top_patch_count"`
	} `koanf:"agent"`

	Queue struct {
		MaxWorkers int `koanf:"max_workers"`
	} `koanf:"queue"`

	Log struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"log"`
}

// Load reads configuration from configPath (or default locations when
// empty) with environment overrides.
func Load(configPath string) (*Config, error) {
	var k = koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"server.addr":           ":8888",
		"agent.bin_path":        "codex-agent",
		"agent.turn_timeout":    "10m",
		"agent.top_patch_count": 3,
		"queue.max_workers":     4,
		"log.level":             "info",
	}, "."), nil)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./revloop.toml", "$HOME/.revloop.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Double underscore separates sections so keys like webhook_secret
	// stay addressable: REVLOOP_SERVER__WEBHOOK_SECRET.
	k.Load(env.Provider("REVLOOP_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "REVLOOP_")), "__", ".", -1)
	}), nil)

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if config.Agent.TurnTimeout <= 0 {
		config.Agent.TurnTimeout = 10 * time.Minute
	}
	if config.Agent.TopPatchCount <= 0 {
		config.Agent.TopPatchCount = 3
	}

	return &config, nil
}

// Validate checks the settings a server deployment cannot run without.
func Validate(config *Config) error {
	if config.Server.WebhookSecret == "" {
		return fmt.Errorf("server webhook_secret is required")
	}
	if config.GitHub.AppID == 0 {
		return fmt.Errorf("github app_id is required")
	}
	if config.Agent.BinPath == "" {
		return fmt.Errorf("agent bin_path is required")
	}
	return nil
}
