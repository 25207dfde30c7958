package token

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"hermod/internal/logger"
)

// AuthRequest is the body of an internal credential request
type AuthRequest struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// AuthHandler serves the internal authorization boundary: it verifies a
// hub's {user, pass} and returns a scoped signed credential.
type AuthHandler struct {
	tokens *Store
	issuer *Issuer
	logger zerolog.Logger
}

// NewAuthHandler creates the authorization HTTP handler
func NewAuthHandler(tokens *Store, issuer *Issuer) *AuthHandler {
	return &AuthHandler{
		tokens: tokens,
		issuer: issuer,
		logger: logger.Component("auth"),
	}
}

// ServeHTTP handles POST {user, pass} -> credential
func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	hubID, err := ParseHubUser(req.User)
	if err != nil {
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return
	}

	ok, err := h.tokens.Verify(hubID, req.Pass)
	if err != nil {
		h.logger.Error().Err(err).Str("hub_id", hubID).Msg("Token verification failed")
		http.Error(w, "verification unavailable", http.StatusInternalServerError)
		return
	}
	if !ok {
		h.logger.Warn().Str("hub_id", hubID).Msg("Rejected credential request with bad token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	cred, err := h.issuer.Mint(hubID)
	if err != nil {
		h.logger.Error().Err(err).Str("hub_id", hubID).Msg("Failed to mint credential")
		http.Error(w, "issuance failed", http.StatusInternalServerError)
		return
	}

	h.logger.Info().Str("hub_id", hubID).Msg("Issued scoped credential")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cred)
}
