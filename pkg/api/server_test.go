package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmkash-web/wireguard/pkg/model"
	"github.com/mmkash-web/wireguard/pkg/source"
)

type memSource struct {
	peers []model.Peer
}

func (m *memSource) Name() string { return "mem" }

func (m *memSource) List(_ context.Context, _ source.Filter) ([]model.Peer, error) {
	return m.peers, nil
}

func (m *memSource) Get(_ context.Context, name string) (model.Peer, error) {
	for _, p := range m.peers {
		if p.Name == name {
			return p, nil
		}
	}
	return model.Peer{}, source.ErrNotFound
}

func (m *memSource) Upsert(_ context.Context, p model.Peer) error {
	for i := range m.peers {
		if m.peers[i].Name == p.Name {
			m.peers[i] = p
			return nil
		}
	}
	m.peers = append(m.peers, p)
	return nil
}

func (m *memSource) Remove(_ context.Context, name string) error {
	for i := range m.peers {
		if m.peers[i].Name == name {
			m.peers = append(m.peers[:i], m.peers[i+1:]...)
			return nil
		}
	}
	return source.ErrNotFound
}

func (m *memSource) HealthCheck(_ context.Context) bool { return true }

type fakeFleet struct {
	registry *source.Registry
	added    []string
	removed  []string
	synced   []string
	result   model.OpResult
}

func (f *fakeFleet) Registry() *source.Registry { return f.registry }

func (f *fakeFleet) AddPeer(_ context.Context, name, publicKey, address string) model.OpResult {
	f.added = append(f.added, name)
	r := f.result
	r.Name = name
	return r
}

func (f *fakeFleet) RemovePeer(_ context.Context, name string) model.OpResult {
	f.removed = append(f.removed, name)
	r := f.result
	r.Name = name
	return r
}

func (f *fakeFleet) SyncPeer(_ context.Context, name string) model.OpResult {
	f.synced = append(f.synced, name)
	r := f.result
	r.Name = name
	return r
}

func (f *fakeFleet) AggregateStatus(_ context.Context) (model.FleetStatus, []string) {
	return model.FleetStatus{Total: 2, Online: 1, Offline: 1}, nil
}

// validKey is a well formed base64 32-byte key for request payloads.
func validKey(t *testing.T) string {
	t.Helper()
	return "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
}

func newTestServer(t *testing.T) (*Server, *fakeFleet) {
	t.Helper()
	ff := &fakeFleet{
		registry: source.NewRegistry(&memSource{peers: []model.Peer{
			{Name: "branch-a", PublicKey: validKey(t), Address: "10.10.0.2", VPNType: model.VPNTypeWireGuard, Active: true},
		}}),
		result: model.OpResult{Stage: model.StageDone},
	}
	hub := NewStatusHub(ff, time.Minute)
	return &Server{Fleet: ff, Hub: hub}, ff
}

func TestListPeers(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/peers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp peerListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "branch-a", resp.Peers[0].Name)
}

func TestAddPeerValidation(t *testing.T) {
	srv, ff := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	// missing public key
	body := bytes.NewBufferString(`{"name":"branch-b"}`)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/peers", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ff.added)

	// malformed public key
	body = bytes.NewBufferString(`{"name":"branch-b","publicKey":"not-a-key"}`)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/peers", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ff.added)

	// well formed
	payload, _ := json.Marshal(addPeerRequest{Name: "branch-b", PublicKey: validKey(t)})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/peers", bytes.NewReader(payload)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"branch-b"}, ff.added)
}

func TestAddPeerFailureMapsTo422(t *testing.T) {
	srv, ff := newTestServer(t)
	ff.result = model.OpResult{Stage: model.StageFailed, FailedAt: model.StageAddressResolved, Reason: "pool exhausted"}
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	payload, _ := json.Marshal(addPeerRequest{Name: "branch-b", PublicKey: validKey(t)})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/peers", bytes.NewReader(payload)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var res model.OpResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, model.StageFailed, res.Stage)
	assert.Equal(t, "pool exhausted", res.Reason)
}

func TestRemoveAndSyncRouting(t *testing.T) {
	srv, ff := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/peers/branch-a", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"branch-a"}, ff.removed)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/peers/branch-a/sync", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"branch-a"}, ff.synced)

	// unknown action
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/peers/branch-a/bogus", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status model.FleetStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 1, status.Online)
	assert.Equal(t, 1, status.Offline)
}

func TestTokenAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Token = "sekret"
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/peers", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/peers", nil)
	req.Header.Set("X-Auth-Token", "sekret")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/peers", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPeerScript(t *testing.T) {
	t.Setenv("WG_SERVER_PUBLIC_KEY", validKey(t))
	t.Setenv("WG_SERVER_ENDPOINT", "vps.example.com")
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/peers/branch-a/script", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/system identity set name=\"branch-a\"")
	assert.Contains(t, rec.Body.String(), "endpoint-address=vps.example.com")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/peers/nope/script", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
