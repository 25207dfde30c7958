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

package tunnel

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds the tunnel relay settings
type Config struct {
	UpstreamAddr        string
	UpstreamUser        string
	UpstreamPass        string
	PingInterval        time.Duration
	PayloadPingInterval time.Duration
	HandshakeTimeout    time.Duration
	WriteTimeout        time.Duration
}

// Server accepts hub WebSocket connections and relays each one to the
// upstream broker as an independent session
type Server struct {
	cfg      Config
	tokens   TokenVerifier
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mutex    sync.RWMutex
	sessions map[string]*Session
}

// NewServer creates a tunnel server
func NewServer(cfg Config, tokens TokenVerifier, log zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		tokens: tokens,
		logger: log,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   8192,
			WriteBufferSize:  8192,
			Subprotocols:     []string{"nats"},
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// HandleWS upgrades an HTTP request into a tunnel session. The session
// runs on the request goroutine until the tunnel closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	id := uuid.New().String()
	session := newSession(id, ws, s.cfg, s.tokens, s.logger, s.remove)

	s.mutex.Lock()
	s.sessions[id] = session
	s.mutex.Unlock()

	s.logger.Debug().Str("session_id", id).Str("remote", r.RemoteAddr).Msg("Accepted tunnel connection")
	session.run()
}

// remove drops a session from the registry after it closes
func (s *Server) remove(id string) {
	s.mutex.Lock()
	delete(s.sessions, id)
	s.mutex.Unlock()
}

// SessionCount returns the number of live sessions
func (s *Server) SessionCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.sessions)
}

// CloseAll tears down every live session, used during shutdown
func (s *Server) CloseAll() {
	s.mutex.RLock()
	open := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		open = append(open, session)
	}
	s.mutex.RUnlock()

	for _, session := range open {
		s.logger.Info().
			Str("session_id", session.id).
			Str("hub_id", session.HubID()).
			Str("state", session.State()).
			Msg("Closing session for shutdown")
		session.close("server shutting down")
	}
}
