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

package resolver

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"hermod/internal/logger"
	"hermod/internal/store"
)

// ErrNeedChoice signals that no strategy produced a target. It is a normal
// outcome, not a failure; the caller applies its disambiguation policy.
var ErrNeedChoice = errors.New("no routing target matched")

// Routing sources, in strategy order
const (
	ViaExplicit = "explicit"
	ViaReply    = "reply"
	ViaTopic    = "topic"
	ViaSession  = "session"
	ViaDefault  = "default"
	ViaOnly     = "only"
)

// Target identifies the hub an inbound message is routed to
type Target struct {
	HubID string `json:"hub_id"`
	Alias string `json:"alias"`
	Via   string `json:"via"`
}

// Query carries the chat context a target is resolved from
type Query struct {
	ChatID    int64
	Text      string
	ReplyToID int64
	TopicID   int64
}

// strategy is one resolution step. It reports a miss both when nothing
// matched and when its own persistence lookup failed; the chain proceeds
// either way.
type strategy struct {
	name string
	fn   func(ctx context.Context, q Query) *Target
}

// Resolver picks the hub an inbound message belongs to by trying ordered
// strategies until one matches
type Resolver struct {
	store      *store.Store
	strategies []strategy
	logger     zerolog.Logger
}

// New creates a resolver over the bridge database
func New(db *store.Store) *Resolver {
	r := &Resolver{
		store:  db,
		logger: logger.Component("resolver"),
	}
	r.strategies = []strategy{
		{name: ViaExplicit, fn: r.resolveExplicit},
		{name: ViaReply, fn: r.resolveReply},
		{name: ViaTopic, fn: r.resolveTopic},
		{name: ViaSession, fn: r.resolveSession},
		{name: ViaDefault, fn: r.resolveDefault},
	}
	return r
}

// Resolve returns exactly one target or ErrNeedChoice
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Target, error) {
	for _, s := range r.strategies {
		if target := s.fn(ctx, q); target != nil {
			r.logger.Debug().
				Int64("chat_id", q.ChatID).
				Str("hub_id", target.HubID).
				Str("via", target.Via).
				Msg("Resolved routing target")
			return target, nil
		}
	}
	return nil, ErrNeedChoice
}

// resolveExplicit matches a leading alias sigil in the message text
func (r *Resolver) resolveExplicit(ctx context.Context, q Query) *Target {
	alias, ok := ParseAliasSigil(q.Text)
	if !ok {
		return nil
	}

	binding, err := r.store.GetBindingByAlias(q.ChatID, alias)
	if err != nil {
		r.miss(q, ViaExplicit, err)
		return nil
	}
	return &Target{HubID: binding.HubID, Alias: binding.Alias, Via: ViaExplicit}
}

// resolveReply routes a reply to the hub that produced the replied-to message
func (r *Resolver) resolveReply(ctx context.Context, q Query) *Target {
	if q.ReplyToID == 0 {
		return nil
	}

	entry, err := r.store.LookupLedger(q.ChatID, q.ReplyToID)
	if err != nil {
		r.miss(q, ViaReply, err)
		return nil
	}
	return &Target{HubID: entry.HubID, Alias: entry.Alias, Via: ViaReply}
}

// resolveTopic uses an explicit sub-thread binding. A topic row whose hub
// binding was removed is treated as a miss, not an error; the row revives
// if the hub is bound again.
func (r *Resolver) resolveTopic(ctx context.Context, q Query) *Target {
	if q.TopicID == 0 {
		return nil
	}

	topic, err := r.store.GetTopic(q.ChatID, q.TopicID)
	if err != nil {
		r.miss(q, ViaTopic, err)
		return nil
	}

	binding, err := r.store.GetBindingByHub(q.ChatID, topic.HubID)
	if err != nil {
		r.miss(q, ViaTopic, err)
		return nil
	}
	return &Target{HubID: binding.HubID, Alias: binding.Alias, Via: ViaTopic}
}

// resolveSession uses the chat's current session if it still matches a
// live binding
func (r *Resolver) resolveSession(ctx context.Context, q Query) *Target {
	session, err := r.store.GetSession(q.ChatID)
	if err != nil {
		r.miss(q, ViaSession, err)
		return nil
	}

	binding, err := r.store.GetBindingByHub(q.ChatID, session.HubID)
	if err != nil {
		r.miss(q, ViaSession, err)
		return nil
	}
	return &Target{HubID: binding.HubID, Alias: binding.Alias, Via: ViaSession}
}

// resolveDefault uses the chat's designated default binding
func (r *Resolver) resolveDefault(ctx context.Context, q Query) *Target {
	binding, err := r.store.GetDefaultBinding(q.ChatID)
	if err != nil {
		r.miss(q, ViaDefault, err)
		return nil
	}
	return &Target{HubID: binding.HubID, Alias: binding.Alias, Via: ViaDefault}
}

// miss logs a strategy miss. Persistence failures degrade to misses so a
// single unavailable strategy cannot abort the chain.
func (r *Resolver) miss(q Query, via string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	r.logger.Warn().
		Int64("chat_id", q.ChatID).
		Str("strategy", via).
		Err(err).
		Msg("Resolution strategy failed, treating as miss")
}

// ParseAliasSigil extracts a leading "#alias" or "@alias" from message
// text. Aliases are 1-32 characters of [A-Za-z0-9_-].
func ParseAliasSigil(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || (text[0] != '#' && text[0] != '@') {
		return "", false
	}

	rest := text[1:]
	end := 0
	for end < len(rest) && isAliasChar(rest[end]) {
		end++
	}

	if end == 0 || end > 32 {
		return "", false
	}
	// The sigil must be a standalone token
	if end < len(rest) && rest[end] != ' ' && rest[end] != '\t' && rest[end] != '\n' {
		return "", false
	}

	return rest[:end], true
}

// isAliasChar reports whether c is valid inside an alias
func isAliasChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') || c == '_' || c == '-'
}
