// Copyright 2026 ManaSmart
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ManaSmart/Mana-Smart-sub002/backup"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "manabak.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	GatewayUrl  string `yaml:"gatewayUrl"  envconfig:"MANABAK_GATEWAY_URL"`
	AuthToken   string `yaml:"authToken"   envconfig:"MANABAK_AUTH_TOKEN"`
	DataDir     string `yaml:"dataDir"                                     split_words:"true"`
	DownloadDir string `yaml:"downloadDir"                                 split_words:"true"`
	MetricsPort uint   `yaml:"metricsPort"                                 split_words:"true"`

	// Tracing is off by default
	TracingEnabled bool   `yaml:"tracingEnabled" split_words:"true"`
	TracingStdout  bool   `yaml:"tracingStdout"  split_words:"true"`
	OtlpEndpoint   string `yaml:"otlpEndpoint"   split_words:"true"`

	// Backup policy knobs. The right values depend on the latency
	// distribution of the platform's job runner, so they are
	// exposed rather than hardcoded.
	MaxPolls             int    `yaml:"maxPolls"             split_words:"true"`
	ExtraFinalChecks     int    `yaml:"extraFinalChecks"     split_words:"true"`
	ExtraFinalCheckDelay string `yaml:"extraFinalCheckDelay" split_words:"true"`
	StallThreshold       int    `yaml:"stallThreshold"       split_words:"true"`
	MonitorInterval      string `yaml:"monitorInterval"      split_words:"true"`
	MonitorMaxChecks     int    `yaml:"monitorMaxChecks"     split_words:"true"`
	MonitorSelfHealAfter int    `yaml:"monitorSelfHealAfter" split_words:"true"`
	TrackerInterval      string `yaml:"trackerInterval"      split_words:"true"`
	RefetchThrottle      string `yaml:"refetchThrottle"      split_words:"true"`
	RestoreMaxBytes      int64  `yaml:"restoreMaxBytes"      split_words:"true"`
}

var globalConfig = &Config{
	GatewayUrl:           "https://backup.manasmart.example.com",
	DataDir:              ".manabak",
	DownloadDir:          "",
	MetricsPort:          0,
	MaxPolls:             300,
	ExtraFinalChecks:     3,
	ExtraFinalCheckDelay: "5s",
	StallThreshold:       2,
	MonitorInterval:      "30s",
	MonitorMaxChecks:     120,
	MonitorSelfHealAfter: 10,
	TrackerInterval:      "2s",
	RefetchThrottle:      "2s",
	RestoreMaxBytes:      512 << 20,
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.manabak/manabak.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".manabak", "manabak.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
		// Try to check for /etc/manabak/manabak.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/manabak/manabak.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Overlay config values onto existing defaults
		if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	if err := envconfig.Process("manabak", globalConfig); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	return globalConfig, nil
}

// Policy converts the configured knobs into the orchestrator's
// policy, parsing the duration strings. Empty or zero fields fall
// back to the orchestrator's defaults.
func (c *Config) Policy() (backup.Policy, error) {
	policy := backup.Policy{
		MaxPolls:             c.MaxPolls,
		ExtraFinalChecks:     c.ExtraFinalChecks,
		StallThreshold:       c.StallThreshold,
		MonitorMaxChecks:     c.MonitorMaxChecks,
		MonitorSelfHealAfter: c.MonitorSelfHealAfter,
		RestoreMaxBytes:      c.RestoreMaxBytes,
	}
	for _, item := range []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"extraFinalCheckDelay", c.ExtraFinalCheckDelay, &policy.ExtraFinalCheckDelay},
		{"monitorInterval", c.MonitorInterval, &policy.MonitorInterval},
		{"trackerInterval", c.TrackerInterval, &policy.TrackerInterval},
		{"refetchThrottle", c.RefetchThrottle, &policy.RefetchThrottle},
	} {
		if item.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(item.value)
		if err != nil {
			return backup.Policy{}, fmt.Errorf(
				"invalid %s: %w",
				item.name,
				err,
			)
		}
		*item.dest = parsed
	}
	return policy, nil
}
