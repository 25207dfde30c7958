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

package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"hermod/internal/broker"
	"hermod/internal/cache"
	"hermod/internal/envelope"
	"hermod/internal/logger"
	"hermod/internal/platform"
	"hermod/internal/store"
)

// DeadLetterPublisher is the broker surface the outbound pipeline needs
type DeadLetterPublisher interface {
	PublishDeadLetter(stage string, env *envelope.Envelope, cause error)
}

// OutboundLimits holds the outbound delivery policy constants
type OutboundLimits struct {
	RatePerSecond float64
	Burst         int
	RetryAttempts int
	RetryBase     time.Duration
	RetryCap      time.Duration
	GuardTTL      time.Duration
}

// Outbound consumes broker messages destined for the chat platform and
// delivers them with per-destination rate limiting, duplicate absorption
// and bounded retry
type Outbound struct {
	cache    *cache.Cache
	sender   platform.Sender
	dlq      DeadLetterPublisher
	store    *store.Store
	limits   OutboundLimits
	limiters *LimiterRegistry
	logger   zerolog.Logger
}

// NewOutbound creates the outbound pipeline
func NewOutbound(idem *cache.Cache, sender platform.Sender, dlq DeadLetterPublisher, db *store.Store, limits OutboundLimits) *Outbound {
	return &Outbound{
		cache:    idem,
		sender:   sender,
		dlq:      dlq,
		store:    db,
		limits:   limits,
		limiters: NewLimiterRegistry(limits.RatePerSecond, limits.Burst),
		logger:   logger.Component("outbound"),
	}
}

// Handle adapts a broker message to Deliver and settles its acknowledgement.
// Malformed messages are terminated so the broker stops redelivering them.
func (o *Outbound) Handle(msg *nats.Msg) {
	env, err := envelope.Unmarshal(msg.Data)
	if err != nil {
		o.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed output message")
		msg.Term()
		return
	}

	tokens := strings.Split(msg.Subject, ".")
	destination := tokens[len(tokens)-1]

	if err := o.Deliver(context.Background(), destination, env); err != nil {
		// Context-level failure: leave the message unacked for redelivery
		o.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Delivery interrupted, message will redeliver")
		msg.Nak()
		return
	}

	msg.Ack()
}

// Deliver sends one envelope to a destination. Delivery is best-effort:
// retryable failures back off up to the attempt bound and are then
// dead-lettered, non-retryable failures are logged and dropped. Only a
// cancelled context surfaces as an error.
func (o *Outbound) Deliver(ctx context.Context, destination string, env *envelope.Envelope) error {
	if err := o.limiters.Get(destination).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait interrupted: %w", err)
	}

	guardKey := o.guardKey(destination, env)
	if _, seen := o.cache.Get(guardKey); seen {
		o.logger.Debug().
			Str("destination", destination).
			Str("event_id", env.EventID).
			Msg("Absorbed duplicate outbound delivery")
		return nil
	}

	messageID, err := o.sendWithRetry(ctx, destination, env)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if platform.IsRetryable(err) {
			o.dlq.PublishDeadLetter(broker.StageOutbound, env, err)
		}
		o.logger.Error().
			Err(err).
			Str("destination", destination).
			Str("event_id", env.EventID).
			Msg("Dropping undeliverable outbound message")
		return nil
	}

	o.cache.SetTTL(guardKey, []byte(env.EventID), o.limits.GuardTTL)
	o.recordLedger(destination, messageID, env)

	o.logger.Debug().
		Str("destination", destination).
		Str("event_id", env.EventID).
		Int64("message_id", messageID).
		Msg("Delivered outbound message")

	return nil
}

// sendWithRetry attempts delivery with exponential backoff on retryable
// failures
func (o *Outbound) sendWithRetry(ctx context.Context, destination string, env *envelope.Envelope) (int64, error) {
	backoff := o.limits.RetryBase

	var lastErr error
	for attempt := 1; attempt <= o.limits.RetryAttempts; attempt++ {
		messageID, err := o.sender.Send(ctx, destination, env)
		if err == nil {
			return messageID, nil
		}
		lastErr = err

		if !platform.IsRetryable(err) {
			return 0, err
		}

		if attempt == o.limits.RetryAttempts {
			break
		}

		o.logger.Warn().
			Err(err).
			Str("destination", destination).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Retryable delivery failure, backing off")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}

		backoff *= 2
		if backoff > o.limits.RetryCap {
			backoff = o.limits.RetryCap
		}
	}

	return 0, fmt.Errorf("delivery attempts exhausted: %w", lastErr)
}

// recordLedger stores the delivered message's origin hub so replies to it
// route back correctly
func (o *Outbound) recordLedger(destination string, messageID int64, env *envelope.Envelope) {
	if messageID == 0 || env.Meta.HubID == "" {
		return
	}

	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return
	}

	alias := ""
	if binding, err := o.store.GetBindingByHub(chatID, env.Meta.HubID); err == nil {
		alias = binding.Alias
	}

	entry := &store.LedgerEntry{
		MessageID: messageID,
		ChatID:    chatID,
		HubID:     env.Meta.HubID,
		Alias:     alias,
		Via:       "output",
	}
	if err := o.store.AppendLedger(entry); err != nil {
		o.logger.Error().
			Err(err).
			Int64("chat_id", chatID).
			Int64("message_id", messageID).
			Msg("Failed to record delivered message in ledger")
	}
}

// Close tears down the limiter registry
func (o *Outbound) Close() {
	o.limiters.Clear()
}

// guardKey builds the short-lived dedup key for one (destination, content)
// pair
func (o *Outbound) guardKey(destination string, env *envelope.Envelope) string {
	body, _ := json.Marshal(env.Payload)
	sum := sha256.Sum256(body)
	return "out:" + destination + ":" + hex.EncodeToString(sum[:])
}
