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

package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope kinds
const (
	KindInput  = "io.input"
	KindOutput = "io.output"
)

// Payload kinds
const (
	PayloadText     = "text"
	PayloadAudio    = "audio"
	PayloadPhoto    = "photo"
	PayloadDocument = "document"
	PayloadAction   = "action"
	PayloadUnknown  = "unknown"
)

// Envelope is the canonical wrapped form of a cross-system message.
// It is immutable once published.
type Envelope struct {
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"ts"`
	DedupKey  string    `json:"dedup_key"`
	Payload   Payload   `json:"payload"`
	Meta      Meta      `json:"meta"`
}

// Meta carries routing metadata for an envelope
type Meta struct {
	BotID   string `json:"bot_id"`
	HubID   string `json:"hub_id"`
	TraceID string `json:"trace_id,omitempty"`
	Retries int    `json:"retries,omitempty"`
}

// Payload is a tagged union over the known message kinds. Exactly the
// field matching Kind is set; everything else stays nil.
type Payload struct {
	Kind     string          `json:"kind"`
	Text     *Text           `json:"text,omitempty"`
	Audio    *Audio          `json:"audio,omitempty"`
	Photo    *Photo          `json:"photo,omitempty"`
	Document *Document       `json:"document,omitempty"`
	Action   *Action         `json:"action,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// Text is a plain text message body
type Text struct {
	Content string `json:"content"`
}

// Audio is a voice or audio attachment reference
type Audio struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration,omitempty"`
}

// Photo is an image attachment reference
type Photo struct {
	FileID  string `json:"file_id"`
	Caption string `json:"caption,omitempty"`
}

// Document is a generic file attachment reference
type Document struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Action is a structured command addressed to a hub
type Action struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// DedupKey derives the idempotency key for a platform update
func DedupKey(botID string, updateID int64) string {
	return fmt.Sprintf("%s:%d", botID, updateID)
}

// NewInput builds an input envelope addressed to a hub
func NewInput(botID, hubID string, updateID int64, payload Payload) *Envelope {
	return &Envelope{
		EventID:   uuid.New().String(),
		Kind:      KindInput,
		Timestamp: time.Now().UTC(),
		DedupKey:  DedupKey(botID, updateID),
		Payload:   payload,
		Meta: Meta{
			BotID:   botID,
			HubID:   hubID,
			TraceID: uuid.New().String(),
		},
	}
}

// TextPayload builds a text payload
func TextPayload(content string) Payload {
	return Payload{Kind: PayloadText, Text: &Text{Content: content}}
}

// UnknownPayload wraps an unrecognized update body verbatim
func UnknownPayload(raw json.RawMessage) Payload {
	return Payload{Kind: PayloadUnknown, Raw: raw}
}

// Marshal serializes an envelope for broker publication
func Marshal(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal parses an envelope received from the broker
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}
