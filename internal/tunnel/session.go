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
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hermod/internal/token"
)

// Session states
const (
	StateConnecting int32 = iota
	StateAuthenticating
	StateRelaying
	StateClosed
)

// stateName maps a session state to its log label
func stateName(state int32) string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TokenVerifier checks a hub's presented bearer token
type TokenVerifier interface {
	Verify(hubID, presented string) (bool, error)
}

// Session is one relayed tunnel between a hub's WebSocket and a TCP
// connection to the upstream broker. Each session runs as an independent
// duplex pump; the two directions progress without blocking each other.
type Session struct {
	id     string
	hubID  string
	ws     *websocket.Conn
	cfg    Config
	tokens TokenVerifier
	logger zerolog.Logger

	state    atomic.Int32
	upstream net.Conn

	// hubScanner strips PONGs on the hub-to-broker direction;
	// upScanner strips PINGs on the broker-to-hub direction
	hubScanner *markerScanner
	upScanner  *markerScanner

	wsWriteMu sync.Mutex
	upWriteMu sync.Mutex

	bytesToUpstream  atomic.Int64
	bytesToHub       atomic.Int64
	strippedPongs    atomic.Int64
	answeredPings    atomic.Int64
	lastUpstreamPing atomic.Int64
	lastWSPong       atomic.Int64
	started          time.Time

	done      chan struct{}
	closeOnce sync.Once
	onClose   func(id string)
}

// newSession creates a session for an accepted hub connection
func newSession(id string, ws *websocket.Conn, cfg Config, tokens TokenVerifier, log zerolog.Logger, onClose func(id string)) *Session {
	s := &Session{
		id:      id,
		ws:      ws,
		cfg:     cfg,
		tokens:  tokens,
		logger:  log.With().Str("session_id", id).Logger(),
		started: time.Now(),
		done:    make(chan struct{}),
		onClose: onClose,
	}

	s.hubScanner = newMarkerScanner(func([]byte) {
		// The relay satisfies keepalives on the hub's behalf; a PONG the
		// hub sends anyway is redundant upstream
		s.strippedPongs.Add(1)
	}, pongMarker)

	s.upScanner = newMarkerScanner(func([]byte) {
		s.lastUpstreamPing.Store(time.Now().UnixNano())
		s.answeredPings.Add(1)
		if err := s.writeUpstream(pongMarker); err != nil {
			s.logger.Error().Err(err).Msg("Failed to answer upstream keepalive")
			s.close("upstream keepalive write failed")
		}
	}, pingMarker)

	return s
}

// run drives the session through its states. It returns when the session
// is closed.
func (s *Session) run() {
	defer s.close("session ended")

	s.state.Store(StateConnecting)

	// NATS clients wait for a server INFO before sending CONNECT. The
	// upstream socket does not exist yet (auth comes first), so the relay
	// speaks for the broker here.
	info := fmt.Sprintf("INFO {\"server_id\":%q,\"proto\":1,\"auth_required\":true}\r\n", s.id)
	if err := s.writeWS([]byte(info)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send handshake INFO")
		return
	}

	s.state.Store(StateAuthenticating)
	rest, ok := s.authenticate()
	if !ok {
		return
	}

	s.state.Store(StateRelaying)
	s.logger.Info().Str("hub_id", s.hubID).Msg("Tunnel established")

	s.ws.SetPongHandler(func(string) error {
		s.lastWSPong.Store(time.Now().UnixNano())
		s.extendReadDeadline()
		return nil
	})
	s.extendReadDeadline()

	// Bytes that arrived behind the CONNECT line were queued during
	// authentication; flush them first so stream order is preserved
	if len(rest) > 0 {
		if err := s.writeUpstream(s.hubScanner.Scan(rest)); err != nil {
			s.logger.Error().Err(err).Msg("Failed to flush queued handshake bytes")
			return
		}
	}

	go s.upstreamPump()
	go s.keepaliveLoop()

	s.wsPump()
}

// authenticate assembles the CONNECT line across frame boundaries,
// verifies the hub's token and splices in the upstream connection with
// rewritten credentials. It returns any bytes buffered past the CONNECT
// line.
func (s *Session) authenticate() ([]byte, bool) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	s.ws.SetReadDeadline(deadline)

	var buf []byte
	var line, rest []byte
	for {
		_, frame, err := s.ws.ReadMessage()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Hub disconnected during handshake")
			return nil, false
		}

		buf = append(buf, frame...)
		if len(buf) > maxConnectLine {
			s.closeWithCode(websocket.CloseProtocolError, "handshake line too long")
			return nil, false
		}

		var complete bool
		line, rest, complete = splitConnectLine(buf)
		if complete {
			break
		}
	}

	auth, fields, err := parseConnect(line)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Protocol violation in handshake")
		s.closeWithCode(websocket.CloseProtocolError, "expected CONNECT")
		return nil, false
	}

	hubID, err := token.ParseHubUser(auth.User)
	if err != nil {
		s.closeWithCode(websocket.ClosePolicyViolation, "unknown user")
		return nil, false
	}

	ok, err := s.tokens.Verify(hubID, auth.Pass)
	if err != nil {
		s.logger.Error().Err(err).Str("hub_id", hubID).Msg("Token verification failed")
		s.closeWithCode(websocket.CloseInternalServerErr, "verification unavailable")
		return nil, false
	}
	if !ok {
		s.logger.Warn().Str("hub_id", hubID).Msg("Rejected hub with invalid token")
		s.closeWithCode(websocket.ClosePolicyViolation, "authorization failed")
		return nil, false
	}
	s.hubID = hubID
	s.logger = s.logger.With().Str("hub_id", hubID).Logger()

	// Only now is the upstream socket opened: a failed handshake must not
	// leak broker connections
	upstream, err := net.DialTimeout("tcp", s.cfg.UpstreamAddr, s.cfg.HandshakeTimeout)
	if err != nil {
		s.logger.Error().Err(err).Str("upstream", s.cfg.UpstreamAddr).Msg("Failed to dial upstream broker")
		s.closeWithCode(websocket.CloseInternalServerErr, "upstream unavailable")
		return nil, false
	}
	s.upstream = upstream

	rewritten, err := rewriteConnect(fields, s.cfg.UpstreamUser, s.cfg.UpstreamPass)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to rewrite CONNECT")
		s.closeWithCode(websocket.CloseInternalServerErr, "handshake failed")
		return nil, false
	}

	if err := s.writeUpstream(rewritten); err != nil {
		s.logger.Error().Err(err).Msg("Failed to forward rewritten CONNECT")
		return nil, false
	}

	return rest, true
}

// wsPump forwards hub frames to the upstream broker, stripping redundant
// PONGs. Runs on the session goroutine until either side closes.
func (s *Session) wsPump() {
	defer s.flushScanner(s.hubScanner, "hub")
	for {
		_, frame, err := s.ws.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Hub connection closed")
			s.close("hub read failed")
			return
		}
		s.extendReadDeadline()

		forward := s.hubScanner.Scan(frame)
		if len(forward) == 0 {
			continue
		}

		if err := s.writeUpstream(forward); err != nil {
			s.logger.Error().Err(err).Msg("Upstream write failed")
			s.close("upstream write failed")
			return
		}
	}
}

// upstreamPump forwards broker bytes to the hub, answering broker
// keepalive PINGs locally
func (s *Session) upstreamPump() {
	defer s.flushScanner(s.upScanner, "upstream")
	buf := make([]byte, 8192)
	for {
		n, err := s.upstream.Read(buf)
		if n > 0 {
			forward := s.upScanner.Scan(buf[:n])
			if len(forward) > 0 {
				if werr := s.writeWS(forward); werr != nil {
					s.logger.Error().Err(werr).Msg("Hub write failed")
					s.close("hub write failed")
					return
				}
			}
		}
		if err != nil {
			s.logger.Debug().Err(err).Msg("Upstream connection closed")
			s.close("upstream read failed")
			return
		}
	}
}

// keepaliveLoop emits transport-level pings and synthetic payload PINGs.
// The payload keepalive exists for middleboxes that only watch data
// frames; the hub's client answers it with a PONG the hub scanner strips.
func (s *Session) keepaliveLoop() {
	transport := time.NewTicker(s.cfg.PingInterval)
	payload := time.NewTicker(s.cfg.PayloadPingInterval)
	defer transport.Stop()
	defer payload.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-transport.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Warn().Err(err).Msg("Transport ping failed")
				s.close("transport ping failed")
				return
			}
		case <-payload.C:
			if err := s.writeWS(pingMarker); err != nil {
				s.logger.Warn().Err(err).Msg("Payload keepalive failed")
				s.close("payload keepalive failed")
				return
			}
		}
	}
}

// writeWS writes one binary frame to the hub under the write deadline.
// A deadline miss means the hub-side buffer stayed saturated; that is
// fatal to the session rather than silently dropped.
func (s *Session) writeWS(data []byte) error {
	s.wsWriteMu.Lock()
	defer s.wsWriteMu.Unlock()

	s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	s.bytesToHub.Add(int64(len(data)))
	return nil
}

// writeUpstream writes bytes to the broker socket under the write deadline
func (s *Session) writeUpstream(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	s.upWriteMu.Lock()
	defer s.upWriteMu.Unlock()

	if s.upstream == nil {
		return fmt.Errorf("upstream not connected")
	}
	s.upstream.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := s.upstream.Write(data); err != nil {
		return err
	}
	s.bytesToUpstream.Add(int64(len(data)))
	return nil
}

// flushScanner drains a direction's scanner when its pump stops. A held
// tail is an unfinished marker prefix whose remainder never arrived; it
// is dropped, but accounted for.
func (s *Session) flushScanner(sc *markerScanner, direction string) {
	if tail := sc.Flush(); len(tail) > 0 {
		s.logger.Debug().
			Str("direction", direction).
			Int("bytes", len(tail)).
			Msg("Dropped unmatched marker tail at close")
	}
}

// extendReadDeadline pushes the hub read deadline out past the next
// expected keepalive exchange
func (s *Session) extendReadDeadline() {
	s.ws.SetReadDeadline(time.Now().Add(3 * s.cfg.PingInterval))
}

// closeWithCode sends a close frame with the given code before tearing
// the session down
func (s *Session) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	s.close(reason)
}

// close tears down both sides of the tunnel exactly once. Closing either
// side closes the other; timers stop; no handler runs afterwards.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(StateClosed)
		close(s.done)

		s.ws.Close()
		if s.upstream != nil {
			s.upstream.Close()
		}

		s.logger.Info().
			Str("reason", reason).
			Dur("uptime", time.Since(s.started)).
			Int64("bytes_to_upstream", s.bytesToUpstream.Load()).
			Int64("bytes_to_hub", s.bytesToHub.Load()).
			Int64("answered_pings", s.answeredPings.Load()).
			Int64("stripped_pongs", s.strippedPongs.Load()).
			Str("last_upstream_ping_age", s.keepaliveAge(s.lastUpstreamPing.Load())).
			Str("last_transport_pong_age", s.keepaliveAge(s.lastWSPong.Load())).
			Msg("Session closed")

		if s.onClose != nil {
			s.onClose(s.id)
		}
	})
}

// keepaliveAge renders the age of a keepalive timestamp for diagnostics
func (s *Session) keepaliveAge(unixNano int64) string {
	if unixNano == 0 {
		return "never"
	}
	return time.Since(time.Unix(0, unixNano)).Round(time.Millisecond).String()
}

// State returns the session's current state name
func (s *Session) State() string {
	return stateName(s.state.Load())
}

// HubID returns the authenticated hub id, empty before authentication
func (s *Session) HubID() string {
	return s.hubID
}
