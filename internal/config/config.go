// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the settings of the pooledhttp command from a YAML
// file and POOLEDHTTP_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable that overrides a
	// setting. Nested keys are joined with underscores, so
	// client.max_connections is read from POOLEDHTTP_CLIENT_MAX_CONNECTIONS.
	EnvPrefix = "POOLEDHTTP"
	// FileEnv names the environment variable that points at a config file
	// when none is given explicitly.
	FileEnv = EnvPrefix + "_CONFIG_FILE"
)

// Config is the complete configuration of the command.
type Config struct {
	Client    ClientConfig    `mapstructure:"client"`
	Balancing BalancingConfig `mapstructure:"balancing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ClientConfig holds the connection and exchange settings of the client.
type ClientConfig struct {
	MaxConnections          int           `mapstructure:"max_connections"`
	MaxQueuedPerDestination int           `mapstructure:"max_queued_per_destination"`
	Pooling                 bool          `mapstructure:"pooling"`
	ConnectTimeout          time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	MaxContentLength        int64         `mapstructure:"max_content_length"`
	Workers                 int           `mapstructure:"workers"`
	MaxRedirects            int           `mapstructure:"max_redirects"`
	UserAgent               string        `mapstructure:"user_agent"`
	SocksProxy              string        `mapstructure:"socks_proxy"`
}

// BalancingConfig selects the service instances and the retry policy.
// Instances and Target are mutually exclusive: Instances is a fixed list
// of base URIs, while Target is a base URI whose host is resolved through
// DNS.
type BalancingConfig struct {
	Instances        []string      `mapstructure:"instances"`
	Target           string        `mapstructure:"target"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryableStatus  []int         `mapstructure:"retryable_status"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
}

// LoggingConfig controls the command's log output. With an empty File,
// logs go to standard error.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultConfig returns the configuration used for anything not set in a
// file or the environment.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			MaxConnections:          200,
			MaxQueuedPerDestination: 1024,
			Pooling:                 true,
			ConnectTimeout:          5 * time.Second,
			IdleTimeout:             30 * time.Second,
			MaxContentLength:        16 << 20,
			Workers:                 200,
			MaxRedirects:            10,
			UserAgent:               "pooledhttp",
		},
		Balancing: BalancingConfig{
			MaxAttempts:      3,
			RetryableStatus:  []int{408, 500, 502, 503, 504},
			FailureThreshold: 3,
			Cooldown:         30 * time.Second,
			RefreshInterval:  5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the configuration. If path is empty, the file named by
// POOLEDHTTP_CONFIG_FILE is used, then pooledhttp.yaml in the working
// directory; a missing file in those locations is not an error.
// Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(FileEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pooledhttp")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// setDefaults registers every key so that AutomaticEnv can override keys
// that are absent from the file.
func setDefaults(v *viper.Viper, defaults *Config) {
	v.SetDefault("client.max_connections", defaults.Client.MaxConnections)
	v.SetDefault("client.max_queued_per_destination", defaults.Client.MaxQueuedPerDestination)
	v.SetDefault("client.pooling", defaults.Client.Pooling)
	v.SetDefault("client.connect_timeout", defaults.Client.ConnectTimeout)
	v.SetDefault("client.idle_timeout", defaults.Client.IdleTimeout)
	v.SetDefault("client.max_content_length", defaults.Client.MaxContentLength)
	v.SetDefault("client.workers", defaults.Client.Workers)
	v.SetDefault("client.max_redirects", defaults.Client.MaxRedirects)
	v.SetDefault("client.user_agent", defaults.Client.UserAgent)
	v.SetDefault("client.socks_proxy", defaults.Client.SocksProxy)
	v.SetDefault("balancing.instances", defaults.Balancing.Instances)
	v.SetDefault("balancing.target", defaults.Balancing.Target)
	v.SetDefault("balancing.max_attempts", defaults.Balancing.MaxAttempts)
	v.SetDefault("balancing.retryable_status", defaults.Balancing.RetryableStatus)
	v.SetDefault("balancing.failure_threshold", defaults.Balancing.FailureThreshold)
	v.SetDefault("balancing.cooldown", defaults.Balancing.Cooldown)
	v.SetDefault("balancing.refresh_interval", defaults.Balancing.RefreshInterval)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.file", defaults.Logging.File)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
}

// Validate reports the first setting that is out of range.
func (c *Config) Validate() error {
	switch {
	case c.Client.MaxConnections < 1:
		return fmt.Errorf("client.max_connections must be positive, got %d", c.Client.MaxConnections)
	case c.Client.MaxQueuedPerDestination < 0:
		return fmt.Errorf("client.max_queued_per_destination must not be negative, got %d", c.Client.MaxQueuedPerDestination)
	case c.Client.ConnectTimeout <= 0:
		return fmt.Errorf("client.connect_timeout must be positive, got %v", c.Client.ConnectTimeout)
	case c.Client.IdleTimeout <= 0:
		return fmt.Errorf("client.idle_timeout must be positive, got %v", c.Client.IdleTimeout)
	case c.Client.MaxContentLength < 1:
		return fmt.Errorf("client.max_content_length must be positive, got %d", c.Client.MaxContentLength)
	case c.Client.Workers < 1:
		return fmt.Errorf("client.workers must be positive, got %d", c.Client.Workers)
	case c.Client.MaxRedirects < 0:
		return fmt.Errorf("client.max_redirects must not be negative, got %d", c.Client.MaxRedirects)
	case c.Balancing.MaxAttempts < 1:
		return fmt.Errorf("balancing.max_attempts must be positive, got %d", c.Balancing.MaxAttempts)
	case len(c.Balancing.Instances) > 0 && c.Balancing.Target != "":
		return errors.New("balancing.instances and balancing.target are mutually exclusive")
	}
	for _, code := range c.Balancing.RetryableStatus {
		if code < 100 || code > 599 {
			return fmt.Errorf("balancing.retryable_status contains invalid status %d", code)
		}
	}
	return nil
}
