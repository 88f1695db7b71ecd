package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/mmkash-web/wireguard/pkg/auth"
	"github.com/mmkash-web/wireguard/pkg/version"
)

// Server bundles the handlers for the fleet HTTP API.
type Server struct {
	Fleet fleetService
	Hub   *StatusHub
	Token string
}

// RegisterRoutes wires the HTTP handlers on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	authed := s.authFunc()

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("wg-fleet"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"build": version.Build})
	})

	mux.HandleFunc("/api/v1/peers", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.handleListPeers(w, r)
		case http.MethodPost:
			s.handleAddPeer(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/peers/", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/peers/")
		name, action, _ := strings.Cut(rest, "/")
		if name == "" {
			http.Error(w, "peer name is required", http.StatusBadRequest)
			return
		}
		switch {
		case action == "" && r.Method == http.MethodDelete:
			s.handleRemovePeer(w, r, name)
		case action == "sync" && r.Method == http.MethodPost:
			s.handleSyncPeer(w, r, name)
		case action == "script" && r.Method == http.MethodGet:
			s.handlePeerScript(w, r, name)
		case action == "conf" && r.Method == http.MethodGet:
			s.handlePeerConf(w, r, name)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleStatus(w, r)
	})

	if s.Hub != nil {
		mux.HandleFunc("/api/v1/status/ws", func(w http.ResponseWriter, r *http.Request) {
			if !authed(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			s.Hub.HandleStatusWS(w, r)
		})
	}
}

// authFunc accepts either the static API token or a valid JWT.
func (s *Server) authFunc() func(r *http.Request) bool {
	if s.Token == "" {
		return func(_ *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		h := r.Header.Get("X-Auth-Token")
		if h == "" {
			authz := r.Header.Get("Authorization")
			if strings.HasPrefix(authz, "Bearer ") {
				h = strings.TrimPrefix(authz, "Bearer ")
			}
		}
		if h == s.Token {
			return true
		}
		_, err := auth.Parse(h)
		return err == nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}
