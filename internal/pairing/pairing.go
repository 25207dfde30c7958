package pairing

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hermod/internal/cache"
	"hermod/internal/logger"
	"hermod/internal/store"
)

// Pairing states
const (
	StateIssued    = "issued"
	StateConfirmed = "confirmed"
	StateRevoked   = "revoked"
	StateExpired   = "expired"
)

var (
	// ErrUnknownCode is returned for codes that were never issued or
	// whose record aged out of the cache
	ErrUnknownCode = errors.New("unknown pairing code")
	// ErrExpired is returned when a code's TTL elapsed before confirm
	ErrExpired = errors.New("pairing code expired")
	// ErrRevoked is returned for explicitly revoked codes
	ErrRevoked = errors.New("pairing code revoked")
	// ErrAlreadyConfirmed is returned on a second confirm attempt
	ErrAlreadyConfirmed = errors.New("pairing code already confirmed")
)

// Record is one pairing attempt. issued -> confirmed on the first
// successful confirm, -> expired when the TTL elapses, -> revoked on
// explicit revocation. Confirmed is terminal but stays readable until the
// TTL ends.
type Record struct {
	Code      string    `json:"code"`
	BotID     string    `json:"bot_id"`
	HubID     string    `json:"hub_id,omitempty"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ControlPublisher propagates alias labels to hubs after pairing
type ControlPublisher interface {
	PublishAliasUpdate(hubID, alias string) error
}

// Manager owns pairing records for their in-flight lifetime
type Manager struct {
	cache   *cache.Cache
	store   *store.Store
	control ControlPublisher
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewManager creates a pairing manager
func NewManager(c *cache.Cache, db *store.Store, control ControlPublisher, ttl time.Duration) *Manager {
	return &Manager{
		cache:   c,
		store:   db,
		control: control,
		ttl:     ttl,
		logger:  logger.Component("pairing"),
	}
}

// Issue creates a fresh pairing code for a hub joining under botID
func (m *Manager) Issue(botID, hubID string) (*Record, error) {
	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate pairing code: %w", err)
	}

	record := &Record{
		Code:      code,
		BotID:     botID,
		HubID:     hubID,
		State:     StateIssued,
		ExpiresAt: time.Now().Add(m.ttl),
	}
	if err := m.save(record); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("code", code).
		Str("hub_id", hubID).
		Msg("Issued pairing code")

	return record, nil
}

// Get returns the record for a code if it is still readable
func (m *Manager) Get(code string) (*Record, error) {
	data, found := m.cache.Get("pair:" + code)
	if !found {
		return nil, ErrUnknownCode
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode pairing record: %w", err)
	}
	return &record, nil
}

// Confirm transitions an issued code to confirmed, creates the chat's hub
// binding and propagates the alias label to the hub. A code past its TTL
// flips to expired and never confirms.
func (m *Manager) Confirm(code string, chatID int64, alias string) (*Record, error) {
	record, err := m.Get(code)
	if err != nil {
		return nil, err
	}

	switch record.State {
	case StateRevoked:
		return record, ErrRevoked
	case StateConfirmed:
		return record, ErrAlreadyConfirmed
	case StateExpired:
		return record, ErrExpired
	}

	if time.Now().After(record.ExpiresAt) {
		record.State = StateExpired
		if err := m.save(record); err != nil {
			m.logger.Error().Err(err).Str("code", code).Msg("Failed to persist expired pairing state")
		}
		return record, ErrExpired
	}

	makeDefault := true
	if bindings, err := m.store.ListBindings(chatID); err == nil && len(bindings) > 0 {
		makeDefault = false
	}

	if _, err := m.store.UpsertBinding(chatID, record.HubID, alias, makeDefault); err != nil {
		return record, fmt.Errorf("failed to create hub binding: %w", err)
	}
	if err := m.store.SetSession(chatID, record.HubID, "pairing"); err != nil {
		m.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to update session after pairing")
	}

	record.State = StateConfirmed
	if err := m.save(record); err != nil {
		return record, err
	}

	if m.control != nil {
		if err := m.control.PublishAliasUpdate(record.HubID, alias); err != nil {
			m.logger.Warn().
				Err(err).
				Str("hub_id", record.HubID).
				Msg("Failed to propagate alias label")
		}
	}

	m.logger.Info().
		Str("code", code).
		Str("hub_id", record.HubID).
		Int64("chat_id", chatID).
		Str("alias", alias).
		Msg("Pairing confirmed")

	return record, nil
}

// Revoke invalidates a code explicitly
func (m *Manager) Revoke(code string) error {
	record, err := m.Get(code)
	if err != nil {
		return err
	}

	record.State = StateRevoked
	return m.save(record)
}

// save writes the record back with its remaining lifetime
func (m *Manager) save(record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode pairing record: %w", err)
	}

	// Records outlive their expiry in the cache briefly so a late confirm
	// attempt gets a definite "expired" answer instead of "unknown code"
	remaining := time.Until(record.ExpiresAt) + time.Minute
	if remaining < time.Minute {
		remaining = time.Minute
	}
	m.cache.SetTTL("pair:"+record.Code, data, remaining)
	return nil
}

// generateCode builds a short, user-typable pairing code
func generateCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(buf), nil
}
