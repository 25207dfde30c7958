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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hermod/internal/broker"
	"hermod/internal/cache"
	"hermod/internal/envelope"
	"hermod/internal/logger"
	"hermod/internal/platform"
	"hermod/internal/resolver"
	"hermod/internal/store"
)

// Inbound routing outcomes
const (
	StatusRouted    = "routed"
	StatusNotPaired = "not_paired"
	StatusChoose    = "choose"
)

// InputPublisher is the broker surface the inbound pipeline needs
type InputPublisher interface {
	PublishInput(ctx context.Context, env *envelope.Envelope) error
	PublishDeadLetter(stage string, env *envelope.Envelope, cause error)
}

// InboundResult is the externally visible outcome of processing one
// platform update. Redelivered updates with the same dedup key return the
// stored result unchanged.
type InboundResult struct {
	Status  string `json:"status"`
	HubID   string `json:"hub_id,omitempty"`
	Alias   string `json:"alias,omitempty"`
	Via     string `json:"via,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// Inbound normalizes platform updates into envelopes, deduplicates them,
// resolves their target hub and publishes them on the broker
type Inbound struct {
	store     *store.Store
	cache     *cache.Cache
	resolver  *resolver.Resolver
	publisher InputPublisher
	resultTTL time.Duration
	logger    zerolog.Logger
}

// NewInbound creates the inbound pipeline
func NewInbound(db *store.Store, idem *cache.Cache, res *resolver.Resolver, pub InputPublisher, resultTTL time.Duration) *Inbound {
	return &Inbound{
		store:     db,
		cache:     idem,
		resolver:  res,
		publisher: pub,
		resultTTL: resultTTL,
		logger:    logger.Component("inbound"),
	}
}

// Process handles one platform update with at-most-once externally visible
// effect per dedup key
func (p *Inbound) Process(ctx context.Context, upd *platform.Update) (*InboundResult, error) {
	key := "in:" + envelope.DedupKey(upd.BotID, upd.UpdateID)

	if data, found := p.cache.Get(key); found {
		var cached InboundResult
		if err := json.Unmarshal(data, &cached); err == nil {
			p.logger.Debug().
				Str("dedup_key", key).
				Str("status", cached.Status).
				Msg("Returning cached result for redelivered update")
			return &cached, nil
		}
	}

	target, err := p.resolveTarget(ctx, upd)
	if err != nil {
		return nil, err
	}

	var result *InboundResult
	if target == nil {
		result, err = p.applyChoicePolicy(ctx, upd)
		if err != nil {
			return nil, err
		}
	} else {
		result, err = p.route(ctx, upd, target)
		if err != nil {
			return nil, err
		}
	}

	if data, merr := json.Marshal(result); merr == nil {
		p.cache.SetTTL(key, data, p.resultTTL)
	}

	return result, nil
}

// resolveTarget runs the resolver chain; a need-choice outcome returns a
// nil target without error
func (p *Inbound) resolveTarget(ctx context.Context, upd *platform.Update) (*resolver.Target, error) {
	target, err := p.resolver.Resolve(ctx, resolver.Query{
		ChatID:    upd.ChatID,
		Text:      upd.Text,
		ReplyToID: upd.ReplyToID,
		TopicID:   upd.TopicID,
	})
	if errors.Is(err, resolver.ErrNeedChoice) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("target resolution failed: %w", err)
	}
	return target, nil
}

// applyChoicePolicy decides what happens when no strategy matched: exactly
// one binding auto-routes, zero asks for pairing, more than one asks the
// user to choose
func (p *Inbound) applyChoicePolicy(ctx context.Context, upd *platform.Update) (*InboundResult, error) {
	bindings, err := p.store.ListBindings(upd.ChatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings for choice policy: %w", err)
	}

	switch len(bindings) {
	case 0:
		p.logger.Info().Int64("chat_id", upd.ChatID).Msg("Update from unpaired chat")
		return &InboundResult{Status: StatusNotPaired}, nil
	case 1:
		b := bindings[0]
		result, err := p.route(ctx, upd, &resolver.Target{
			HubID: b.HubID,
			Alias: b.Alias,
			Via:   resolver.ViaOnly,
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	default:
		p.logger.Info().
			Int64("chat_id", upd.ChatID).
			Int("bindings", len(bindings)).
			Msg("Ambiguous target, asking for explicit selection")
		return &InboundResult{Status: StatusChoose}, nil
	}
}

// route publishes the update's envelope on the target hub's subject and
// records the ledger entry used for future reply routing
func (p *Inbound) route(ctx context.Context, upd *platform.Update, target *resolver.Target) (*InboundResult, error) {
	env := envelope.NewInput(upd.BotID, target.HubID, upd.UpdateID, upd.Payload)

	if err := p.publisher.PublishInput(ctx, env); err != nil {
		p.publisher.PublishDeadLetter(broker.StageInbound, env, err)
		return nil, fmt.Errorf("failed to publish input envelope: %w", err)
	}

	entry := &store.LedgerEntry{
		MessageID: upd.MessageID,
		ChatID:    upd.ChatID,
		HubID:     target.HubID,
		Alias:     target.Alias,
		Via:       target.Via,
	}
	if err := p.store.AppendLedger(entry); err != nil {
		// Reply routing degrades for this message; the envelope is already
		// on its way
		p.logger.Error().
			Err(err).
			Int64("chat_id", upd.ChatID).
			Int64("message_id", upd.MessageID).
			Msg("Failed to append ledger entry")
	}

	p.logger.Info().
		Int64("chat_id", upd.ChatID).
		Str("hub_id", target.HubID).
		Str("via", target.Via).
		Str("event_id", env.EventID).
		Msg("Routed inbound update")

	return &InboundResult{
		Status:  StatusRouted,
		HubID:   target.HubID,
		Alias:   target.Alias,
		Via:     target.Via,
		EventID: env.EventID,
	}, nil
}
