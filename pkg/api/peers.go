package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/mmkash-web/wireguard/pkg/keys"
	"github.com/mmkash-web/wireguard/pkg/mikrotik"
	"github.com/mmkash-web/wireguard/pkg/model"
	"github.com/mmkash-web/wireguard/pkg/source"
	"github.com/mmkash-web/wireguard/pkg/wireguard"
)

// fleetService is the subset of the fleet service the API needs.
type fleetService interface {
	Registry() *source.Registry
	AddPeer(ctx context.Context, name, publicKey, address string) model.OpResult
	RemovePeer(ctx context.Context, name string) model.OpResult
	SyncPeer(ctx context.Context, name string) model.OpResult
	AggregateStatus(ctx context.Context) (model.FleetStatus, []string)
}

type addPeerRequest struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Address   string `json:"address,omitempty"`
}

type peerListResponse struct {
	Peers    []model.Peer `json:"peers"`
	Warnings []string     `json:"warnings,omitempty"`
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	f := source.Filter{VPNType: model.VPNTypeWireGuard}
	if r.URL.Query().Get("active") == "true" {
		f.ActiveOnly = true
	}
	peers, warnings := s.Fleet.Registry().Merge(r.Context(), f)
	writeJSON(w, http.StatusOK, peerListResponse{Peers: peers, Warnings: warnings})
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req addPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.PublicKey == "" {
		http.Error(w, "name and publicKey are required", http.StatusBadRequest)
		return
	}
	if !keys.ValidPublicKey(req.PublicKey) {
		http.Error(w, "invalid public key", http.StatusBadRequest)
		return
	}
	res := s.Fleet.AddPeer(r.Context(), req.Name, req.PublicKey, req.Address)
	writeJSON(w, opStatusCode(res), res)
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request, name string) {
	res := s.Fleet.RemovePeer(r.Context(), name)
	writeJSON(w, opStatusCode(res), res)
}

func (s *Server) handleSyncPeer(w http.ResponseWriter, r *http.Request, name string) {
	res := s.Fleet.SyncPeer(r.Context(), name)
	writeJSON(w, opStatusCode(res), res)
}

// handlePeerScript renders the RouterOS provisioning script for a peer.
func (s *Server) handlePeerScript(w http.ResponseWriter, r *http.Request, name string) {
	peers, _ := s.Fleet.Registry().Merge(r.Context(), source.Filter{VPNType: model.VPNTypeWireGuard})
	var target *model.Peer
	for i := range peers {
		if peers[i].Name == name {
			target = &peers[i]
			break
		}
	}
	if target == nil {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	script, err := mikrotik.RenderScript(*target, serverInfoFromEnv())
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+".rsc\"")
	_, _ = w.Write([]byte(script))
}

// handlePeerConf renders a wg-quick client config for a peer. The
// private key is never known server side so a placeholder is emitted.
func (s *Server) handlePeerConf(w http.ResponseWriter, r *http.Request, name string) {
	peers, _ := s.Fleet.Registry().Merge(r.Context(), source.Filter{VPNType: model.VPNTypeWireGuard})
	var target *model.Peer
	for i := range peers {
		if peers[i].Name == name {
			target = &peers[i]
			break
		}
	}
	if target == nil {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	srv := serverInfoFromEnv()
	conf, err := wireguard.RenderClientConfig(*target, wireguard.Server{
		PublicKey: srv.PublicKey,
		Endpoint:  srv.Endpoint,
		Port:      srv.Port,
	}, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+".conf\"")
	_, _ = w.Write([]byte(conf))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, warnings := s.Fleet.AggregateStatus(r.Context())
	writeJSON(w, http.StatusOK, struct {
		model.FleetStatus
		Warnings []string `json:"warnings,omitempty"`
	}{status, warnings})
}

func opStatusCode(res model.OpResult) int {
	if res.Ok() {
		return http.StatusOK
	}
	return http.StatusUnprocessableEntity
}

func serverInfoFromEnv() mikrotik.ServerInfo {
	port, _ := strconv.Atoi(getenvDefault("WG_LISTEN_PORT", "51820"))
	apiPort, _ := strconv.Atoi(getenvDefault("API_PORT", "8728"))
	return mikrotik.ServerInfo{
		PublicKey: os.Getenv("WG_SERVER_PUBLIC_KEY"),
		Endpoint:  os.Getenv("WG_SERVER_ENDPOINT"),
		Port:      port,
		Gateway:   getenvDefault("VPN_GATEWAY", "10.10.0.1"),
		APIPort:   apiPort,
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
