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
	"fmt"
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
	"hermod/internal/resolver"
	"hermod/internal/store"
)

// fakePublisher records published envelopes and dead letters
type fakePublisher struct {
	mu          sync.Mutex
	published   []*envelope.Envelope
	deadLetters []*envelope.Envelope
	failWith    error
}

func (f *fakePublisher) PublishInput(ctx context.Context, env *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, env)
	return nil
}

func (f *fakePublisher) PublishDeadLetter(_ string, env *envelope.Envelope, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, env)
}

func (f *fakePublisher) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newInboundFixture(t *testing.T) (*pipeline.Inbound, *store.Store, *fakePublisher) {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idem := cache.New(128)
	t.Cleanup(idem.Close)

	pub := &fakePublisher{}
	in := pipeline.NewInbound(db, idem, resolver.New(db), pub, time.Hour)
	return in, db, pub
}

func textUpdate(chatID, updateID int64, text string) *platform.Update {
	return &platform.Update{
		BotID:     "bot1",
		UpdateID:  updateID,
		ChatID:    chatID,
		MessageID: updateID,
		Text:      text,
		Payload:   envelope.TextPayload(text),
	}
}

func TestInboundProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("routes to the default hub and records the ledger", func(t *testing.T) {
		in, db, pub := newInboundFixture(t)
		_, err := db.UpsertBinding(10, "h1", "home", true)
		require.NoError(t, err)

		result, err := in.Process(ctx, textUpdate(10, 1, "lights on"))
		require.NoError(t, err)

		assert.Equal(t, pipeline.StatusRouted, result.Status)
		assert.Equal(t, "h1", result.HubID)
		assert.NotEmpty(t, result.EventID)
		require.Equal(t, 1, pub.publishedCount())
		assert.Equal(t, "h1", pub.published[0].Meta.HubID)

		entry, err := db.LookupLedger(10, 1)
		require.NoError(t, err)
		assert.Equal(t, "h1", entry.HubID)
	})

	t.Run("redelivered update publishes exactly once", func(t *testing.T) {
		in, db, pub := newInboundFixture(t)
		_, err := db.UpsertBinding(10, "h1", "home", true)
		require.NoError(t, err)

		first, err := in.Process(ctx, textUpdate(10, 42, "do it"))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			again, err := in.Process(ctx, textUpdate(10, 42, "do it"))
			require.NoError(t, err)
			assert.Equal(t, first.EventID, again.EventID)
			assert.Equal(t, first.Status, again.Status)
		}
		assert.Equal(t, 1, pub.publishedCount())
	})

	t.Run("unpaired chat reports not_paired without publishing", func(t *testing.T) {
		in, _, pub := newInboundFixture(t)

		result, err := in.Process(ctx, textUpdate(99, 1, "anyone there"))
		require.NoError(t, err)

		assert.Equal(t, pipeline.StatusNotPaired, result.Status)
		assert.Equal(t, 0, pub.publishedCount())
	})

	t.Run("single binding auto-routes without a default", func(t *testing.T) {
		in, db, pub := newInboundFixture(t)
		_, err := db.UpsertBinding(20, "h1", "only", false)
		require.NoError(t, err)

		result, err := in.Process(ctx, textUpdate(20, 1, "hi"))
		require.NoError(t, err)

		assert.Equal(t, pipeline.StatusRouted, result.Status)
		assert.Equal(t, resolver.ViaOnly, result.Via)
		assert.Equal(t, 1, pub.publishedCount())
	})

	t.Run("multiple bindings without a match ask for a choice", func(t *testing.T) {
		in, db, pub := newInboundFixture(t)
		_, err := db.UpsertBinding(30, "h1", "a", false)
		require.NoError(t, err)
		_, err = db.UpsertBinding(30, "h2", "b", false)
		require.NoError(t, err)

		result, err := in.Process(ctx, textUpdate(30, 1, "hi"))
		require.NoError(t, err)

		assert.Equal(t, pipeline.StatusChoose, result.Status)
		assert.Equal(t, 0, pub.publishedCount())
	})

	t.Run("cancelled context reaches the auto-route publish", func(t *testing.T) {
		in, db, pub := newInboundFixture(t)
		_, err := db.UpsertBinding(50, "h1", "only", false)
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = in.Process(cancelled, textUpdate(50, 1, "hi"))
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, pub.publishedCount())
	})

	t.Run("publish failure dead-letters and is not cached", func(t *testing.T) {
		in, db, pub := newInboundFixture(t)
		_, err := db.UpsertBinding(40, "h1", "home", true)
		require.NoError(t, err)
		pub.failWith = fmt.Errorf("broker unavailable")

		_, err = in.Process(ctx, textUpdate(40, 7, "hi"))
		require.Error(t, err)
		assert.Len(t, pub.deadLetters, 1)

		// The failure is retryable: a later redelivery must go through
		pub.failWith = nil
		result, err := in.Process(ctx, textUpdate(40, 7, "hi"))
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusRouted, result.Status)
		assert.Equal(t, 1, pub.publishedCount())
	})
}
