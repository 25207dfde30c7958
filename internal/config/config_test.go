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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermod/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultBridgeConfig(t *testing.T) {
	cfg := config.NewDefaultBridgeConfig()

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "/tunnel", cfg.Server.WSPath)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Upstream.URL)
	assert.Equal(t, "hub.in", cfg.Subjects.InputRoot)
	assert.Equal(t, "hub.out", cfg.Subjects.OutputRoot)
	assert.Equal(t, "hub.dlq", cfg.Subjects.DLQRoot)

	assert.Equal(t, 25*time.Second, cfg.GetPingInterval())
	assert.Equal(t, 45*time.Second, cfg.GetPayloadPingInterval())
	assert.Equal(t, 24*time.Hour, cfg.GetResultTTL())
	assert.Equal(t, 2*time.Minute, cfg.GetOutboundGuardTTL())
	assert.Equal(t, 10*time.Minute, cfg.GetPairingTTL())
	assert.Equal(t, 500*time.Millisecond, cfg.GetRetryBase())
	assert.Equal(t, 30*time.Second, cfg.GetRetryCap())
}

func TestLoadBridgeConfig(t *testing.T) {
	t.Run("partial config fills in defaults", func(t *testing.T) {
		path := writeConfig(t, `
server:
  address: ":9090"
upstream:
  url: "nats://broker:4222"
  tcp_addr: "broker:4222"
pipeline:
  rate_limit: 2.5
`)
		cfg, err := config.LoadBridgeConfig(path)
		require.NoError(t, err)

		assert.Equal(t, ":9090", cfg.Server.Address)
		assert.Equal(t, "nats://broker:4222", cfg.Upstream.URL)
		assert.Equal(t, 2.5, cfg.Pipeline.RateLimit)
		assert.Equal(t, "/tunnel", cfg.Server.WSPath, "unspecified fields default")
		assert.Equal(t, 30, cfg.Pipeline.RateBurst)
	})

	t.Run("rejects malformed durations", func(t *testing.T) {
		path := writeConfig(t, `
tunnel:
  ping_interval: "soonish"
`)
		_, err := config.LoadBridgeConfig(path)
		assert.Error(t, err)
	})

	t.Run("rejects invalid logging level", func(t *testing.T) {
		path := writeConfig(t, `
logging:
  level: "chatty"
`)
		_, err := config.LoadBridgeConfig(path)
		assert.Error(t, err)
	})

	t.Run("rejects non-positive rate limit", func(t *testing.T) {
		path := writeConfig(t, `
pipeline:
  rate_limit: -1
`)
		_, err := config.LoadBridgeConfig(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.LoadBridgeConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestSaveAndReloadBridgeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")

	cfg := config.NewDefaultBridgeConfig()
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.BotID = "bot1"
	require.NoError(t, config.SaveBridgeConfig(cfg, path))

	loaded, err := config.LoadBridgeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "123:abc", loaded.Telegram.Token)
	assert.Equal(t, "bot1", loaded.Telegram.BotID)
	assert.Equal(t, cfg.Subjects, loaded.Subjects)
}
