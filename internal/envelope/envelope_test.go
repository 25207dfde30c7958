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

package envelope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermod/internal/envelope"
)

func TestDedupKey(t *testing.T) {
	assert.Equal(t, "bot1:42", envelope.DedupKey("bot1", 42))

	// Same update redelivered derives the same key; different updates differ
	assert.Equal(t, envelope.DedupKey("bot1", 7), envelope.DedupKey("bot1", 7))
	assert.NotEqual(t, envelope.DedupKey("bot1", 7), envelope.DedupKey("bot1", 8))
	assert.NotEqual(t, envelope.DedupKey("bot1", 7), envelope.DedupKey("bot2", 7))
}

func TestNewInput(t *testing.T) {
	env := envelope.NewInput("bot1", "kitchen", 42, envelope.TextPayload("hi"))

	assert.Equal(t, envelope.KindInput, env.Kind)
	assert.Equal(t, "bot1:42", env.DedupKey)
	assert.Equal(t, "kitchen", env.Meta.HubID)
	assert.NotEmpty(t, env.EventID)
	assert.False(t, env.Timestamp.IsZero())

	other := envelope.NewInput("bot1", "kitchen", 42, envelope.TextPayload("hi"))
	assert.NotEqual(t, env.EventID, other.EventID, "event ids are unique per envelope")
	assert.Equal(t, env.DedupKey, other.DedupKey, "dedup keys are deterministic")
}

func TestPayloadUnion(t *testing.T) {
	t.Run("text payload round-trips", func(t *testing.T) {
		env := envelope.NewInput("bot1", "h1", 1, envelope.TextPayload("lights on"))

		data, err := envelope.Marshal(env)
		require.NoError(t, err)

		got, err := envelope.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, envelope.PayloadText, got.Payload.Kind)
		require.NotNil(t, got.Payload.Text)
		assert.Equal(t, "lights on", got.Payload.Text.Content)
		assert.Nil(t, got.Payload.Photo)
		assert.Nil(t, got.Payload.Raw)
	})

	t.Run("unknown payload carries the raw body", func(t *testing.T) {
		env := envelope.NewInput("bot1", "h1", 2, envelope.UnknownPayload([]byte(`{"sticker":"x"}`)))

		data, err := envelope.Marshal(env)
		require.NoError(t, err)

		got, err := envelope.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, envelope.PayloadUnknown, got.Payload.Kind)
		assert.JSONEq(t, `{"sticker":"x"}`, string(got.Payload.Raw))
	})

	t.Run("malformed bytes fail to unmarshal", func(t *testing.T) {
		_, err := envelope.Unmarshal([]byte("not json"))
		assert.Error(t, err)
	})
}
