// Package control exposes the agent's local control API (SPEC_FULL.md's
// expansion of C9): NewConn, JoinConn, Send, Subscribe and Ack lifted onto
// an HTTP surface, so a host process drives a running agent without
// embedding the module in the same binary. Every request needs a bearer
// token minted by the server at startup and printed once to its log.
package control

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"

	"github.com/halilertekin/simplexmq/agent/session"
	"github.com/halilertekin/simplexmq/internal/logger"
	"github.com/halilertekin/simplexmq/wire"
)

// Server serves the control API over HTTP. Requests authenticate with a
// single HS256-signed bearer token minted when the server starts; Token
// holds it so the caller (cmd/smp-agent's main) can log or otherwise hand
// it to the host process driving this agent.
type Server struct {
	agent *session.Agent
	log   logger.Logger
	addr  string
	key   []byte
	Token string

	server *http.Server
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

// NewServer creates a control API server bound to addr, generating a fresh
// signing key and minting the one token that will authenticate callers for
// the life of the process.
func NewServer(agent *session.Agent, log logger.Logger, addr string) (*Server, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("control: generate signing key: %w", err)
	}
	s := &Server{agent: agent, log: log, addr: addr, key: key}
	token, err := s.mintToken()
	if err != nil {
		return nil, err
	}
	s.Token = token
	return s, nil
}

func (s *Server) mintToken() (string, error) {
	now := time.Now()
	claims := tokenClaims{jwt.RegisteredClaims{
		Subject:   "smp-agent-control",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(365 * 24 * time.Hour)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

func (s *Server) authenticate(r *http.Request) error {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return fmt.Errorf("control: missing bearer token")
	}
	_, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("control: unexpected signing method %q", t.Method.Alg())
		}
		return s.key, nil
	})
	return err
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authenticate(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// Start begins serving the control API in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/connections", s.withAuth(s.handleNewConn))
	mux.HandleFunc("/v1/connections/join", s.withAuth(s.handleJoinConn))
	mux.HandleFunc("/v1/connections/send", s.withAuth(s.handleSend))
	mux.HandleFunc("/v1/connections/ack", s.withAuth(s.handleAck))
	mux.HandleFunc("/v1/connections/messages", s.withAuth(s.handleMessages))

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("control api stopped", logger.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the control API server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleNewConn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Server string `json:"server"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	addr, err := wire.ParseServerAddress(req.Server)
	if err != nil {
		http.Error(w, "bad server address", http.StatusBadRequest)
		return
	}
	connAlias, invitation, err := s.agent.NewConn(r.Context(), addr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{
		"conn_alias":   connAlias,
		"invitation":   invitation,
		"invite_token": base58.Encode([]byte(invitation)),
	})
}

func (s *Server) handleJoinConn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Invitation  string `json:"invitation"`
		InviteToken string `json:"invite_token"`
		ReplyMode   string `json:"reply_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	invitation := req.Invitation
	if invitation == "" && req.InviteToken != "" {
		raw, err := base58.Decode(req.InviteToken)
		if err != nil {
			http.Error(w, "bad invite_token", http.StatusBadRequest)
			return
		}
		invitation = string(raw)
	}
	mode := session.ReplyOn
	if req.ReplyMode == "off" {
		mode = session.ReplyOff
	}
	connAlias, err := s.agent.JoinConn(r.Context(), invitation, mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"conn_alias": connAlias})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ConnAlias string `json:"conn_alias"`
		Body      string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		http.Error(w, "body must be base64", http.StatusBadRequest)
		return
	}
	if err := s.agent.Send(r.Context(), req.ConnAlias, body); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ConnAlias string `json:"conn_alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if err := s.agent.Ack(r.Context(), req.ConnAlias); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessages streams a connection's inbound messages as newline-
// delimited JSON until the client disconnects, the HTTP surface for Subscribe.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	connAlias := r.URL.Query().Get("conn_alias")
	if connAlias == "" {
		http.Error(w, "missing conn_alias", http.StatusBadRequest)
		return
	}
	ch, err := s.agent.Subscribe(connAlias)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, canFlush := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(msg); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
