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

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"hermod/internal/envelope"
	"hermod/internal/logger"
)

// Dead-letter stages
const (
	StageInbound  = "inbound"
	StageOutbound = "outbound"
)

// Config contains broker connection and subject hierarchy settings
type Config struct {
	URL        string
	User       string
	Pass       string
	InputRoot  string
	OutputRoot string
	DLQRoot    string
	Control    string
}

// Client wraps publish/subscribe against the broker's durable streams
type Client struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger zerolog.Logger
}

// Connect establishes the broker connection and JetStream context
func Connect(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name("hermod-bridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Pass))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream context: %w", err)
	}

	return &Client{
		nc:     nc,
		js:     js,
		cfg:    cfg,
		logger: logger.Component("broker"),
	}, nil
}

// Close drains and closes the broker connection
func (c *Client) Close() {
	if err := c.nc.Drain(); err != nil {
		c.logger.Error().Err(err).Msg("Error draining broker connection")
	}
}

// EnsureStreams provisions the input, output and dead-letter streams.
// Creation is idempotent: an already existing stream is not an error, so
// concurrent startups race safely.
func (c *Client) EnsureStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:      "HUB_INPUT",
			Subjects:  []string{c.cfg.InputRoot + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
		},
		{
			Name:      "HUB_OUTPUT",
			Subjects:  []string{c.cfg.OutputRoot + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
		},
		{
			Name:      "HUB_DLQ",
			Subjects:  []string{c.cfg.DLQRoot + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
		},
	}

	for _, sc := range streams {
		if _, err := c.js.AddStream(sc); err != nil {
			if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				continue
			}
			return fmt.Errorf("failed to create stream %s: %w", sc.Name, err)
		}
		c.logger.Info().
			Str("stream", sc.Name).
			Strs("subjects", sc.Subjects).
			Msg("Created broker stream")
	}

	return nil
}

// InputSubject returns the per-hub input subject
func (c *Client) InputSubject(hubID string) string {
	return c.cfg.InputRoot + "." + hubID
}

// OutputSubject returns the per-destination output subject
func (c *Client) OutputSubject(botID, destination string) string {
	return c.cfg.OutputRoot + "." + botID + "." + destination
}

// PublishInput publishes an input envelope on the target hub's subject.
// The envelope's dedup key doubles as the broker message id so stream-side
// dedup also applies.
func (c *Client) PublishInput(ctx context.Context, env *envelope.Envelope) error {
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}

	subject := c.InputSubject(env.Meta.HubID)
	if _, err := c.js.Publish(subject, data, nats.MsgId(env.DedupKey), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish input envelope: %w", err)
	}

	c.logger.Debug().
		Str("subject", subject).
		Str("event_id", env.EventID).
		Msg("Published input envelope")

	return nil
}

// SubscribeOutputs opens the durable output subscription for one bot. The
// durable name derives deterministically from the bot identity so a
// restart resumes the same consumer position instead of creating a new one.
func (c *Client) SubscribeOutputs(botID string, handler nats.MsgHandler) (*nats.Subscription, error) {
	subject := c.OutputSubject(botID, ">")
	durable := SanitizeDurable("out-" + botID)

	sub, err := c.js.Subscribe(subject, handler,
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(2*time.Minute),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to outputs: %w", err)
	}

	c.logger.Info().
		Str("subject", subject).
		Str("durable", durable).
		Msg("Subscribed to output stream")

	return sub, nil
}

// PublishDeadLetter publishes a failed envelope on the stage's dead-letter
// subject. Fire-and-forget for the caller; its own failure is logged, never
// propagated.
func (c *Client) PublishDeadLetter(stage string, env *envelope.Envelope, cause error) {
	payload := struct {
		Envelope *envelope.Envelope `json:"envelope"`
		Cause    string             `json:"cause"`
		Stage    string             `json:"stage"`
		FailedAt time.Time          `json:"failed_at"`
	}{
		Envelope: env,
		Cause:    cause.Error(),
		Stage:    stage,
		FailedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Str("stage", stage).Msg("Failed to marshal dead-letter payload")
		return
	}

	subject := c.cfg.DLQRoot + "." + stage
	if _, err := c.js.Publish(subject, data); err != nil {
		c.logger.Error().
			Err(err).
			Str("subject", subject).
			Str("event_id", env.EventID).
			Msg("Dead-letter publication failed")
		return
	}

	c.logger.Warn().
		Str("subject", subject).
		Str("event_id", env.EventID).
		Str("cause", cause.Error()).
		Msg("Envelope dead-lettered")
}

// PublishAliasUpdate propagates an alias label to hubs on the control subject
func (c *Client) PublishAliasUpdate(hubID, alias string) error {
	payload, err := json.Marshal(map[string]string{
		"type":   "alias_update",
		"hub_id": hubID,
		"alias":  alias,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alias update: %w", err)
	}

	if err := c.nc.Publish(c.cfg.Control, payload); err != nil {
		return fmt.Errorf("failed to publish alias update: %w", err)
	}
	return nil
}

// SanitizeDurable maps an identity onto the broker's allowed consumer name
// character set
func SanitizeDurable(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_' {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}
