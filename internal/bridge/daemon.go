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

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"hermod/internal/broker"
	"hermod/internal/cache"
	"hermod/internal/config"
	"hermod/internal/logger"
	"hermod/internal/pairing"
	"hermod/internal/pipeline"
	"hermod/internal/platform/telegram"
	"hermod/internal/resolver"
	"hermod/internal/store"
	"hermod/internal/token"
	"hermod/internal/tunnel"
)

// idempotency cache capacity; sized for a day of chat traffic
const cacheCapacity = 8192

// Daemon composes the bridge: tunnel relay, auth boundary, broker client
// and the two delivery pipelines
type Daemon struct {
	config   *config.BridgeConfig
	db       *store.Store
	idem     *cache.Cache
	tokens   *token.Store
	issuer   *token.Issuer
	client   *broker.Client
	sender   *telegram.Sender
	inbound  *pipeline.Inbound
	outbound *pipeline.Outbound
	pairing  *pairing.Manager
	tunnel   *tunnel.Server
	httpSrv  *http.Server
	sub      *nats.Subscription

	logger  zerolog.Logger
	running bool
	mutex   sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDaemon loads configuration and wires every component of the bridge
func NewDaemon(configPath string) (*Daemon, error) {
	cfg, err := config.LoadBridgeConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Logging.Format == "json" {
		logger.SetJSONMode()
	}
	logger.SetLevel(cfg.Logging.Level)

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	issuer, err := token.NewIssuer(cfg.Issuer.AccountSeed, token.SubjectScope{
		InputRoot:  cfg.Subjects.InputRoot,
		OutputRoot: cfg.Subjects.OutputRoot,
	}, cfg.GetTokenTTL())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create credential issuer: %w", err)
	}

	sender, err := telegram.NewSender(cfg.Telegram.Token, cfg.Telegram.BotID)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create telegram sender: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	idem := cache.New(cacheCapacity)
	tokens := token.NewStore(db)

	d := &Daemon{
		config: cfg,
		db:     db,
		idem:   idem,
		tokens: tokens,
		issuer: issuer,
		sender: sender,
		logger: logger.Component("bridge"),
		ctx:    ctx,
		cancel: cancel,
	}

	d.tunnel = tunnel.NewServer(tunnel.Config{
		UpstreamAddr:        cfg.Upstream.TCPAddr,
		UpstreamUser:        cfg.Upstream.User,
		UpstreamPass:        cfg.Upstream.Pass,
		PingInterval:        cfg.GetPingInterval(),
		PayloadPingInterval: cfg.GetPayloadPingInterval(),
		HandshakeTimeout:    cfg.GetHandshakeTimeout(),
		WriteTimeout:        cfg.GetWriteTimeout(),
	}, tokens, logger.Component("tunnel"))

	d.httpSrv = &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     d.buildRouter(),
		ReadTimeout: cfg.GetServerTimeout(),
	}

	return d, nil
}

// buildRouter assembles the HTTP surface: tunnel upgrade, auth boundary,
// pairing issuance and liveness
func (d *Daemon) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(d.config.Server.WSPath, d.tunnel.HandleWS)
	r.Handle("/v1/auth", token.NewAuthHandler(d.tokens, d.issuer)).Methods("POST")
	r.HandleFunc("/v1/pair", d.handlePair).Methods("POST")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, d.tunnel.SessionCount())
	}).Methods("GET")
	return r
}

// handlePair issues a fresh pairing code to an authenticated hub. The hub
// shows the code to its operator, who types /pair <code> in chat.
func (d *Daemon) handlePair(w http.ResponseWriter, r *http.Request) {
	var req token.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	hubID, err := token.ParseHubUser(req.User)
	if err != nil {
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return
	}

	ok, err := d.tokens.Verify(hubID, req.Pass)
	if err != nil {
		d.logger.Error().Err(err).Str("hub_id", hubID).Msg("Token verification failed")
		http.Error(w, "verification unavailable", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	record, err := d.pairing.Issue(d.config.Telegram.BotID, hubID)
	if err != nil {
		d.logger.Error().Err(err).Str("hub_id", hubID).Msg("Failed to issue pairing code")
		http.Error(w, "issuance failed", http.StatusInternalServerError)
		return
	}

	d.logger.Info().Str("hub_id", hubID).Str("code", record.Code).Msg("Issued pairing code")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"code":       record.Code,
		"expires_at": record.ExpiresAt,
	})
}

// Start connects to the broker, starts the HTTP surface and both
// pipelines, then blocks until shutdown
func (d *Daemon) Start() error {
	d.mutex.Lock()
	if d.running {
		d.mutex.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.mutex.Unlock()

	cfg := d.config

	client, err := broker.Connect(broker.Config{
		URL:        cfg.Upstream.URL,
		User:       cfg.Upstream.User,
		Pass:       cfg.Upstream.Pass,
		InputRoot:  cfg.Subjects.InputRoot,
		OutputRoot: cfg.Subjects.OutputRoot,
		DLQRoot:    cfg.Subjects.DLQRoot,
		Control:    cfg.Subjects.Control,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	d.client = client

	if err := client.EnsureStreams(); err != nil {
		return fmt.Errorf("failed to provision streams: %w", err)
	}

	res := resolver.New(d.db)
	d.inbound = pipeline.NewInbound(d.db, d.idem, res, client, cfg.GetResultTTL())
	d.outbound = pipeline.NewOutbound(d.idem, d.sender, client, d.db, pipeline.OutboundLimits{
		RatePerSecond: cfg.Pipeline.RateLimit,
		Burst:         cfg.Pipeline.RateBurst,
		RetryAttempts: cfg.Pipeline.RetryAttempts,
		RetryBase:     cfg.GetRetryBase(),
		RetryCap:      cfg.GetRetryCap(),
		GuardTTL:      cfg.GetOutboundGuardTTL(),
	})
	d.pairing = pairing.NewManager(d.idem, d.db, client, cfg.GetPairingTTL())

	sub, err := client.SubscribeOutputs(cfg.Telegram.BotID, d.outbound.Handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to outputs: %w", err)
	}
	d.sub = sub

	go func() {
		d.logger.Info().
			Str("address", cfg.Server.Address).
			Str("ws_path", cfg.Server.WSPath).
			Msg("HTTP surface listening")
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("HTTP server stopped")
			d.cancel()
		}
	}()

	go func() {
		if err := d.sender.Listen(d.ctx, d.handleUpdate); err != nil && d.ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("Update listener stopped")
			d.cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	d.logger.Info().
		Str("bot_id", cfg.Telegram.BotID).
		Str("upstream", cfg.Upstream.URL).
		Msg("Bridge daemon started")

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		return d.Stop()
	case <-d.ctx.Done():
		d.logger.Info().Msg("Context cancelled")
		return d.Stop()
	}
}

// Stop shuts the bridge down gracefully: stop accepting, drain the
// output subscription, close every tunnel session, release resources
func (d *Daemon) Stop() error {
	d.mutex.Lock()
	if !d.running {
		d.mutex.Unlock()
		return nil
	}
	d.running = false
	d.mutex.Unlock()

	d.logger.Info().Msg("Stopping bridge daemon")
	d.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := d.httpSrv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}

	d.tunnel.CloseAll()

	if d.sub != nil {
		if err := d.sub.Drain(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to drain output subscription")
		}
	}
	if d.outbound != nil {
		d.outbound.Close()
	}
	if d.client != nil {
		d.client.Close()
	}

	d.idem.Close()
	if err := d.db.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to close database")
	}

	d.logger.Info().Msg("Bridge daemon stopped")
	return nil
}
