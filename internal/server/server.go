package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deckbridge/bridge/internal/carabiner"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Server exposes the engine over HTTP: a JSON control surface plus a
// websocket event stream.
type Server struct {
	bridge         *carabiner.Bridge
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(bridge *carabiner.Bridge, broadcaster *Broadcaster, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		bridge:         bridge,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/tempo", s.handleTempo)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/link", s.handleLink)
	mux.HandleFunc("/api/transport", s.handleTransport)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] ws upgrade error: %v", err)
		return
	}

	log.Printf("[server] websocket client connected: %s", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("[server] websocket client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.bridge.State())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	s.bridge.Connect(func(err error) {
		log.Printf("[server] carabiner connect failed: %v", err)
	})
	s.writeState(w)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	s.bridge.Disconnect()
	s.writeState(w)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.bridge.SetSyncMode(carabiner.Mode(req.Mode)); err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeState(w)
}

func (s *Server) handleTempo(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req struct {
			BPM float64 `json:"bpm"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.bridge.LockTempo(req.BPM); err != nil {
			writeEngineError(w, err)
			return
		}
	case http.MethodDelete:
		s.bridge.UnlockTempo()
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeState(w)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	// Pointer fields so absent keys leave the setting alone.
	var req struct {
		Port      *int  `json:"port"`
		LatencyMs *int  `json:"latencyMs"`
		AlignBars *bool `json:"alignBars"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Port != nil {
		if err := s.bridge.SetPort(*req.Port); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	if req.LatencyMs != nil {
		if err := s.bridge.SetLatency(*req.LatencyMs); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	if req.AlignBars != nil {
		s.bridge.SetAlignBars(*req.AlignBars)
	}
	s.writeState(w)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	var req struct {
		Synced *bool `json:"synced"`
		Master *bool `json:"master"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Synced != nil {
		s.bridge.SetLinkSynced(*req.Synced)
	}
	if req.Master != nil {
		s.bridge.SetLinkMaster(*req.Master)
	}
	s.writeState(w)
}

func (s *Server) handleTransport(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	var req struct {
		Playing bool `json:"playing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	if req.Playing {
		err = s.bridge.StartTransport()
	} else {
		err = s.bridge.StopTransport()
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeState(w)
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request) bool {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) writeState(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.bridge.State())
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, carabiner.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, carabiner.ErrInvalidState), errors.Is(err, carabiner.ErrNotConnected):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Bridge-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// shutdownGrace bounds how long in-flight requests may run once a
// shutdown has been requested.
const shutdownGrace = 5 * time.Second

// ListenAndServe serves mux until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{Addr: addr, Handler: securityHeaders(mux)}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[server] shutdown: %v", err)
		}
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
