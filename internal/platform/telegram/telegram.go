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

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"github.com/rs/zerolog"

	"hermod/internal/envelope"
	"hermod/internal/logger"
	"hermod/internal/platform"
)

// Sender delivers output envelopes through the Telegram bot API
type Sender struct {
	bot    *telego.Bot
	botID  string
	logger zerolog.Logger
}

// NewSender creates a Telegram sender for the given bot token
func NewSender(token, botID string) (*Sender, error) {
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Sender{
		bot:    bot,
		botID:  botID,
		logger: logger.Component("telegram"),
	}, nil
}

// BotID returns the bot identity updates are stamped with
func (s *Sender) BotID() string {
	return s.botID
}

// Listen pulls updates via long polling, normalizes each one and hands it
// to fn. It blocks until ctx is cancelled or polling fails.
func (s *Sender) Listen(ctx context.Context, fn func(context.Context, *platform.Update)) error {
	updates, err := s.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	s.logger.Info().Str("bot_id", s.botID).Msg("Listening for updates")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			upd, usable := Normalize(s.botID, u)
			if !usable {
				s.logger.Debug().Int("update_id", u.UpdateID).Msg("Skipping update without message body")
				continue
			}
			fn(ctx, upd)
		}
	}
}

// Reply sends plain text to a chat, used for conversational feedback
// outside the delivery pipeline
func (s *Sender) Reply(ctx context.Context, chatID int64, text string) error {
	_, err := s.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// Send delivers one envelope to a chat destination and returns the id of
// the delivered platform message
func (s *Sender) Send(ctx context.Context, destination string, env *envelope.Envelope) (int64, error) {
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid destination %q: %w", destination, err)
	}
	target := telego.ChatID{ID: chatID}

	var sent *telego.Message

	switch env.Payload.Kind {
	case envelope.PayloadText:
		if env.Payload.Text == nil {
			return 0, fmt.Errorf("text payload missing body")
		}
		sent, err = s.bot.SendMessage(ctx, &telego.SendMessageParams{
			ChatID: target,
			Text:   env.Payload.Text.Content,
		})
	case envelope.PayloadPhoto:
		if env.Payload.Photo == nil {
			return 0, fmt.Errorf("photo payload missing body")
		}
		sent, err = s.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID:  target,
			Photo:   telego.InputFile{FileID: env.Payload.Photo.FileID},
			Caption: env.Payload.Photo.Caption,
		})
	case envelope.PayloadAudio:
		if env.Payload.Audio == nil {
			return 0, fmt.Errorf("audio payload missing body")
		}
		sent, err = s.bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID: target,
			Audio:  telego.InputFile{FileID: env.Payload.Audio.FileID},
		})
	case envelope.PayloadDocument:
		if env.Payload.Document == nil {
			return 0, fmt.Errorf("document payload missing body")
		}
		sent, err = s.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID:   target,
			Document: telego.InputFile{FileID: env.Payload.Document.FileID},
		})
	default:
		// Hubs can emit structured payloads the platform has no native
		// rendering for; deliver those as preformatted text
		body, merr := json.Marshal(env.Payload)
		if merr != nil {
			return 0, fmt.Errorf("failed to render payload: %w", merr)
		}
		sent, err = s.bot.SendMessage(ctx, &telego.SendMessageParams{
			ChatID: target,
			Text:   string(body),
		})
	}

	if err != nil {
		return 0, classify(err)
	}
	if sent == nil {
		return 0, nil
	}
	return int64(sent.MessageID), nil
}

// classify wraps a bot API error with its HTTP-class status so the
// outbound pipeline can pick retry or drop
func classify(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		return &platform.DeliveryError{StatusCode: apiErr.ErrorCode, Err: err}
	}
	// Transport-level failures look like server-side trouble: retryable
	return &platform.DeliveryError{StatusCode: 503, Err: err}
}

// Normalize converts a raw Telegram update into the canonical form the
// inbound pipeline consumes. Updates without a message body are skipped.
func Normalize(botID string, u telego.Update) (*platform.Update, bool) {
	msg := u.Message
	if msg == nil {
		return nil, false
	}

	upd := &platform.Update{
		BotID:     botID,
		UpdateID:  int64(u.UpdateID),
		ChatID:    msg.Chat.ID,
		MessageID: int64(msg.MessageID),
		TopicID:   int64(msg.MessageThreadID),
		Text:      msg.Text,
	}
	if msg.ReplyToMessage != nil {
		upd.ReplyToID = int64(msg.ReplyToMessage.MessageID)
	}

	switch {
	case msg.Text != "":
		upd.Payload = envelope.TextPayload(msg.Text)
	case len(msg.Photo) > 0:
		// Telegram sends multiple sizes; the last one is the largest
		photo := msg.Photo[len(msg.Photo)-1]
		upd.Payload = envelope.Payload{
			Kind:  envelope.PayloadPhoto,
			Photo: &envelope.Photo{FileID: photo.FileID, Caption: msg.Caption},
		}
		upd.Text = msg.Caption
	case msg.Voice != nil:
		upd.Payload = envelope.Payload{
			Kind:  envelope.PayloadAudio,
			Audio: &envelope.Audio{FileID: msg.Voice.FileID, Duration: msg.Voice.Duration},
		}
	case msg.Audio != nil:
		upd.Payload = envelope.Payload{
			Kind:  envelope.PayloadAudio,
			Audio: &envelope.Audio{FileID: msg.Audio.FileID, Duration: msg.Audio.Duration},
		}
	case msg.Document != nil:
		upd.Payload = envelope.Payload{
			Kind: envelope.PayloadDocument,
			Document: &envelope.Document{
				FileID:   msg.Document.FileID,
				Name:     msg.Document.FileName,
				MimeType: msg.Document.MimeType,
			},
		}
		upd.Text = msg.Caption
	default:
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, false
		}
		upd.Payload = envelope.UnknownPayload(raw)
	}

	return upd, true
}
