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

package pipeline_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermod/internal/cache"
	"hermod/internal/envelope"
	"hermod/internal/pipeline"
	"hermod/internal/platform"
	"hermod/internal/store"
)

// fakeSender scripts per-call outcomes for delivery attempts
type fakeSender struct {
	mu      sync.Mutex
	calls   int
	script  []error
	nextID  int64
	lastEnv *envelope.Envelope
}

func (f *fakeSender) Send(_ context.Context, _ string, env *envelope.Envelope) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastEnv = env
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return 0, err
		}
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDLQ struct {
	mu     sync.Mutex
	stages []string
}

func (f *fakeDLQ) PublishDeadLetter(stage string, _ *envelope.Envelope, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stage)
}

func (f *fakeDLQ) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stages)
}

func retryable(code int) error {
	return &platform.DeliveryError{StatusCode: code, Err: context.DeadlineExceeded}
}

func newOutboundFixture(t *testing.T, sender *fakeSender, limits pipeline.OutboundLimits) (*pipeline.Outbound, *store.Store, *fakeDLQ) {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idem := cache.New(128)
	t.Cleanup(idem.Close)

	dlq := &fakeDLQ{}
	out := pipeline.NewOutbound(idem, sender, dlq, db, limits)
	t.Cleanup(out.Close)
	return out, db, dlq
}

func fastLimits() pipeline.OutboundLimits {
	return pipeline.OutboundLimits{
		RatePerSecond: 1000,
		Burst:         100,
		RetryAttempts: 3,
		RetryBase:     time.Millisecond,
		RetryCap:      5 * time.Millisecond,
		GuardTTL:      time.Minute,
	}
}

func outputEnvelope(hubID, text string) *envelope.Envelope {
	env := envelope.NewInput("bot1", hubID, time.Now().UnixNano(), envelope.TextPayload(text))
	env.Kind = envelope.KindOutput
	return env
}

func TestOutboundDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers and records the reply ledger", func(t *testing.T) {
		sender := &fakeSender{}
		out, db, _ := newOutboundFixture(t, sender, fastLimits())
		_, err := db.UpsertBinding(77, "h1", "home", true)
		require.NoError(t, err)

		require.NoError(t, out.Deliver(ctx, "77", outputEnvelope("h1", "done")))

		assert.Equal(t, 1, sender.callCount())
		entry, err := db.LookupLedger(77, 1)
		require.NoError(t, err)
		assert.Equal(t, "h1", entry.HubID)
		assert.Equal(t, "home", entry.Alias)
		assert.Equal(t, "output", entry.Via)
	})

	t.Run("identical redelivery within the guard window sends once", func(t *testing.T) {
		sender := &fakeSender{}
		out, _, _ := newOutboundFixture(t, sender, fastLimits())

		env := outputEnvelope("h1", "same words")
		require.NoError(t, out.Deliver(ctx, "77", env))
		require.NoError(t, out.Deliver(ctx, "77", env))
		require.NoError(t, out.Deliver(ctx, "77", env))

		assert.Equal(t, 1, sender.callCount())
	})

	t.Run("retryable failure backs off then succeeds", func(t *testing.T) {
		sender := &fakeSender{script: []error{retryable(429), retryable(503), nil}}
		out, _, dlq := newOutboundFixture(t, sender, fastLimits())

		require.NoError(t, out.Deliver(ctx, "88", outputEnvelope("h1", "retry me")))

		assert.Equal(t, 3, sender.callCount())
		assert.Equal(t, 0, dlq.count())
	})

	t.Run("exhausted retries dead-letter and drop", func(t *testing.T) {
		sender := &fakeSender{script: []error{retryable(500), retryable(500), retryable(500)}}
		out, _, dlq := newOutboundFixture(t, sender, fastLimits())

		err := out.Deliver(ctx, "88", outputEnvelope("h1", "never lands"))

		require.NoError(t, err, "exhaustion is absorbed, not surfaced")
		assert.Equal(t, 3, sender.callCount())
		assert.Equal(t, 1, dlq.count())
		assert.Equal(t, []string{"outbound"}, dlq.stages)
	})

	t.Run("non-retryable failure drops immediately without dead-letter", func(t *testing.T) {
		sender := &fakeSender{script: []error{&platform.DeliveryError{StatusCode: 400, Err: context.Canceled}}}
		out, _, dlq := newOutboundFixture(t, sender, fastLimits())

		err := out.Deliver(ctx, "88", outputEnvelope("h1", "bad request"))

		require.NoError(t, err)
		assert.Equal(t, 1, sender.callCount())
		assert.Equal(t, 0, dlq.count())
	})

	t.Run("cancelled context surfaces as an error", func(t *testing.T) {
		sender := &fakeSender{}
		out, _, _ := newOutboundFixture(t, sender, fastLimits())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := out.Deliver(cancelled, "88", outputEnvelope("h1", "too late"))
		assert.Error(t, err)
		assert.Equal(t, 0, sender.callCount())
	})
}

func TestOutboundRateLimiting(t *testing.T) {
	// Burst of 2 at 10/s: the third delivery must wait for a token
	limits := fastLimits()
	limits.RatePerSecond = 10
	limits.Burst = 2

	sender := &fakeSender{}
	out, _, _ := newOutboundFixture(t, sender, limits)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		env := outputEnvelope("h1", "msg")
		env.EventID = env.EventID + string(rune('a'+i))
		env.Payload.Text.Content = env.Payload.Text.Content + string(rune('a'+i))
		require.NoError(t, out.Deliver(ctx, "99", env))
	}
	elapsed := time.Since(start)

	assert.Equal(t, 3, sender.callCount())
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond, "third send should wait for refill")
}

func TestOutboundPerDestinationLimiters(t *testing.T) {
	// Exhausting one destination's burst must not slow another
	limits := fastLimits()
	limits.RatePerSecond = 1
	limits.Burst = 1

	sender := &fakeSender{}
	out, _, _ := newOutboundFixture(t, sender, limits)
	ctx := context.Background()

	require.NoError(t, out.Deliver(ctx, "11", outputEnvelope("h1", "first")))

	start := time.Now()
	require.NoError(t, out.Deliver(ctx, "22", outputEnvelope("h1", "other chat")))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLimiterRegistry(t *testing.T) {
	reg := pipeline.NewLimiterRegistry(5, 10)

	a := reg.Get("a")
	assert.Same(t, a, reg.Get("a"), "limiter is reused per destination")
	assert.NotSame(t, a, reg.Get("b"))
	assert.Equal(t, 2, reg.Len())

	reg.Remove("a")
	assert.Equal(t, 1, reg.Len())
	assert.NotSame(t, a, reg.Get("a"), "removed destination gets a fresh limiter")

	reg.Clear()
	assert.Equal(t, 0, reg.Len())
}
