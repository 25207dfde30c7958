// Copyright 2025 Arion Yau
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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BridgeConfig represents the complete bridge configuration
type BridgeConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Issuer   IssuerConfig   `yaml:"issuer"`
	Database DatabaseConfig `yaml:"database"`
	Subjects SubjectsConfig `yaml:"subjects"`
	Telegram TelegramConfig `yaml:"telegram"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
	Pairing  PairingConfig  `yaml:"pairing"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP server settings (WebSocket endpoint and auth boundary)
type ServerConfig struct {
	Address string `yaml:"address"`
	WSPath  string `yaml:"ws_path"`
	Timeout string `yaml:"timeout"`
}

// UpstreamConfig contains the upstream broker connection settings.
// The relay account credentials here replace hub credentials during
// the tunnel handshake; hubs never see them.
type UpstreamConfig struct {
	URL     string `yaml:"url"`
	TCPAddr string `yaml:"tcp_addr"`
	User    string `yaml:"user"`
	Pass    string `yaml:"pass"`
}

// IssuerConfig contains the credential issuer key material
type IssuerConfig struct {
	AccountSeed string `yaml:"account_seed"`
	TokenTTL    string `yaml:"token_ttl"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SubjectsConfig contains the broker subject hierarchy roots
type SubjectsConfig struct {
	InputRoot  string `yaml:"input_root"`
	OutputRoot string `yaml:"output_root"`
	DLQRoot    string `yaml:"dlq_root"`
	Control    string `yaml:"control"`
}

// TelegramConfig contains chat-platform delivery settings
type TelegramConfig struct {
	Token string `yaml:"token"`
	BotID string `yaml:"bot_id"`
}

// PipelineConfig contains inbound/outbound pipeline policy
type PipelineConfig struct {
	ResultTTL        string  `yaml:"result_ttl"`
	OutboundGuardTTL string  `yaml:"outbound_guard_ttl"`
	RateLimit        float64 `yaml:"rate_limit"`
	RateBurst        int     `yaml:"rate_burst"`
	RetryAttempts    int     `yaml:"retry_attempts"`
	RetryBase        string  `yaml:"retry_base"`
	RetryCap         string  `yaml:"retry_cap"`
}

// TunnelConfig contains tunnel relay timing settings
type TunnelConfig struct {
	PingInterval        string `yaml:"ping_interval"`
	PayloadPingInterval string `yaml:"payload_ping_interval"`
	HandshakeTimeout    string `yaml:"handshake_timeout"`
	WriteTimeout        string `yaml:"write_timeout"`
}

// PairingConfig contains pairing code settings
type PairingConfig struct {
	TTL string `yaml:"ttl"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadBridgeConfig loads configuration from a YAML file
func LoadBridgeConfig(filepath string) (*BridgeConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config BridgeConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// SaveBridgeConfig saves configuration to a YAML file
func SaveBridgeConfig(config *BridgeConfig, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefaultBridgeConfig creates a default configuration
func NewDefaultBridgeConfig() *BridgeConfig {
	config := &BridgeConfig{}
	config.setDefaults()
	return config
}

// setDefaults ensures all required fields have default values
func (c *BridgeConfig) setDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/tunnel"
	}
	if c.Server.Timeout == "" {
		c.Server.Timeout = "15s"
	}

	if c.Upstream.URL == "" {
		c.Upstream.URL = "nats://127.0.0.1:4222"
	}
	if c.Upstream.TCPAddr == "" {
		c.Upstream.TCPAddr = "127.0.0.1:4222"
	}

	if c.Issuer.TokenTTL == "" {
		c.Issuer.TokenTTL = "24h"
	}

	if c.Database.Path == "" {
		c.Database.Path = "bridge.db"
	}

	if c.Subjects.InputRoot == "" {
		c.Subjects.InputRoot = "hub.in"
	}
	if c.Subjects.OutputRoot == "" {
		c.Subjects.OutputRoot = "hub.out"
	}
	if c.Subjects.DLQRoot == "" {
		c.Subjects.DLQRoot = "hub.dlq"
	}
	if c.Subjects.Control == "" {
		c.Subjects.Control = "hub.ctl"
	}

	if c.Pipeline.ResultTTL == "" {
		c.Pipeline.ResultTTL = "24h"
	}
	if c.Pipeline.OutboundGuardTTL == "" {
		c.Pipeline.OutboundGuardTTL = "2m"
	}
	if c.Pipeline.RateLimit == 0 {
		c.Pipeline.RateLimit = 1.0
	}
	if c.Pipeline.RateBurst == 0 {
		c.Pipeline.RateBurst = 30
	}
	if c.Pipeline.RetryAttempts == 0 {
		c.Pipeline.RetryAttempts = 5
	}
	if c.Pipeline.RetryBase == "" {
		c.Pipeline.RetryBase = "500ms"
	}
	if c.Pipeline.RetryCap == "" {
		c.Pipeline.RetryCap = "30s"
	}

	if c.Tunnel.PingInterval == "" {
		c.Tunnel.PingInterval = "25s"
	}
	if c.Tunnel.PayloadPingInterval == "" {
		c.Tunnel.PayloadPingInterval = "45s"
	}
	if c.Tunnel.HandshakeTimeout == "" {
		c.Tunnel.HandshakeTimeout = "10s"
	}
	if c.Tunnel.WriteTimeout == "" {
		c.Tunnel.WriteTimeout = "10s"
	}

	if c.Pairing.TTL == "" {
		c.Pairing.TTL = "10m"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// validate checks if the configuration values are valid
func (c *BridgeConfig) validate() error {
	durations := map[string]string{
		"server timeout":               c.Server.Timeout,
		"issuer token_ttl":             c.Issuer.TokenTTL,
		"pipeline result_ttl":          c.Pipeline.ResultTTL,
		"pipeline outbound_guard_ttl":  c.Pipeline.OutboundGuardTTL,
		"pipeline retry_base":          c.Pipeline.RetryBase,
		"pipeline retry_cap":           c.Pipeline.RetryCap,
		"tunnel ping_interval":         c.Tunnel.PingInterval,
		"tunnel payload_ping_interval": c.Tunnel.PayloadPingInterval,
		"tunnel handshake_timeout":     c.Tunnel.HandshakeTimeout,
		"tunnel write_timeout":         c.Tunnel.WriteTimeout,
		"pairing ttl":                  c.Pairing.TTL,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
	}

	if c.Pipeline.RateLimit <= 0 {
		return fmt.Errorf("pipeline rate_limit must be greater than 0")
	}
	if c.Pipeline.RateBurst <= 0 {
		return fmt.Errorf("pipeline rate_burst must be greater than 0")
	}
	if c.Pipeline.RetryAttempts <= 0 {
		return fmt.Errorf("pipeline retry_attempts must be greater than 0")
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}

	return nil
}

// GetServerTimeout returns the server timeout as a time.Duration
func (c *BridgeConfig) GetServerTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Server.Timeout)
	return duration
}

// GetTokenTTL returns the issued credential lifetime as a time.Duration
func (c *BridgeConfig) GetTokenTTL() time.Duration {
	duration, _ := time.ParseDuration(c.Issuer.TokenTTL)
	return duration
}

// GetResultTTL returns the inbound idempotency window as a time.Duration
func (c *BridgeConfig) GetResultTTL() time.Duration {
	duration, _ := time.ParseDuration(c.Pipeline.ResultTTL)
	return duration
}

// GetOutboundGuardTTL returns the outbound dedup window as a time.Duration
func (c *BridgeConfig) GetOutboundGuardTTL() time.Duration {
	duration, _ := time.ParseDuration(c.Pipeline.OutboundGuardTTL)
	return duration
}

// GetRetryBase returns the first retry delay as a time.Duration
func (c *BridgeConfig) GetRetryBase() time.Duration {
	duration, _ := time.ParseDuration(c.Pipeline.RetryBase)
	return duration
}

// GetRetryCap returns the backoff ceiling as a time.Duration
func (c *BridgeConfig) GetRetryCap() time.Duration {
	duration, _ := time.ParseDuration(c.Pipeline.RetryCap)
	return duration
}

// GetPingInterval returns the transport ping interval as a time.Duration
func (c *BridgeConfig) GetPingInterval() time.Duration {
	duration, _ := time.ParseDuration(c.Tunnel.PingInterval)
	return duration
}

// GetPayloadPingInterval returns the payload keepalive interval as a time.Duration
func (c *BridgeConfig) GetPayloadPingInterval() time.Duration {
	duration, _ := time.ParseDuration(c.Tunnel.PayloadPingInterval)
	return duration
}

// GetHandshakeTimeout returns the tunnel handshake deadline as a time.Duration
func (c *BridgeConfig) GetHandshakeTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Tunnel.HandshakeTimeout)
	return duration
}

// GetWriteTimeout returns the tunnel write deadline as a time.Duration
func (c *BridgeConfig) GetWriteTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Tunnel.WriteTimeout)
	return duration
}

// GetPairingTTL returns the pairing code lifetime as a time.Duration
func (c *BridgeConfig) GetPairingTTL() time.Duration {
	duration, _ := time.ParseDuration(c.Pairing.TTL)
	return duration
}
