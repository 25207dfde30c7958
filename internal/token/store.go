package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"hermod/internal/store"
)

// ErrInvalidHubUser is returned when a CONNECT user field is not a hub identity
var ErrInvalidHubUser = errors.New("invalid hub user")

// Store owns the single current bearer token per hub
type Store struct {
	db *store.Store
}

// NewStore creates a token store backed by the bridge database
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

// Issue returns the hub's current token, creating one if none exists.
// Calling Issue repeatedly for the same hub returns the same token.
func (s *Store) Issue(hubID string) (string, error) {
	existing, err := s.db.GetHubToken(hubID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("failed to look up hub token: %w", err)
	}

	return s.Rotate(hubID)
}

// Rotate replaces the hub's token with a fresh one. The previous token
// stops verifying immediately.
func (s *Store) Rotate(hubID string) (string, error) {
	token := "ht_" + uuid.New().String()
	if err := s.db.SetHubToken(hubID, token); err != nil {
		return "", fmt.Errorf("failed to store hub token: %w", err)
	}
	return token, nil
}

// Verify checks a presented token against the hub's current token
func (s *Store) Verify(hubID, presented string) (bool, error) {
	if presented == "" {
		return false, nil
	}

	current, err := s.db.GetHubToken(hubID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up hub token: %w", err)
	}

	return current == presented, nil
}

// ParseHubUser extracts the hub id from a CONNECT user field of the form
// "hub_<hub_id>" or "hub-<hub_id>"
func ParseHubUser(user string) (string, error) {
	var rest string
	switch {
	case strings.HasPrefix(user, "hub_"):
		rest = strings.TrimPrefix(user, "hub_")
	case strings.HasPrefix(user, "hub-"):
		rest = strings.TrimPrefix(user, "hub-")
	default:
		return "", ErrInvalidHubUser
	}

	if rest == "" {
		return "", ErrInvalidHubUser
	}
	return rest, nil
}
