package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmkash-web/wireguard/pkg/ipalloc"
	"github.com/mmkash-web/wireguard/pkg/model"
	"github.com/mmkash-web/wireguard/pkg/probe"
	"github.com/mmkash-web/wireguard/pkg/source"
	"github.com/mmkash-web/wireguard/pkg/wgconf"
)

const testConfig = `[Interface]
Address = 10.10.0.1/24
ListenPort = 51820
PrivateKey = c2VydmVyLXByaXZhdGUta2V5LWZvci10ZXN0cy0tLS0=
`

// memStore is an in-memory record source with an audit trail.
type memStore struct {
	mu    sync.Mutex
	name  string
	peers map[string]model.Peer
	audit []model.AuditEntry
	down  bool
}

func newMemStore(name string) *memStore {
	return &memStore{name: name, peers: make(map[string]model.Peer)}
}

func (m *memStore) Name() string { return m.name }

func (m *memStore) List(context.Context, source.Filter) ([]model.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, source.ErrUnavailable
	}
	var out []model.Peer
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) Get(_ context.Context, name string) (model.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return model.Peer{}, source.ErrUnavailable
	}
	p, ok := m.peers[name]
	if !ok {
		return model.Peer{}, fmt.Errorf("%w: %s", source.ErrNotFound, name)
	}
	return p, nil
}

func (m *memStore) Upsert(_ context.Context, p model.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return source.ErrUnavailable
	}
	m.peers[p.Name] = p
	return nil
}

func (m *memStore) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return source.ErrUnavailable
	}
	if _, ok := m.peers[name]; !ok {
		return fmt.Errorf("%w: %s", source.ErrNotFound, name)
	}
	delete(m.peers, name)
	return nil
}

func (m *memStore) HealthCheck(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}

func (m *memStore) AppendAudit(_ context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return source.ErrUnavailable
	}
	m.audit = append(m.audit, e)
	return nil
}

// addrPinger marks specific addresses as down.
type addrPinger struct{ down map[string]bool }

func (a addrPinger) Ping(_ context.Context, addr string, _ time.Duration) error {
	if a.down[addr] {
		return errors.New("timeout")
	}
	return nil
}

// portDialer marks specific addresses as api-closed.
type portDialer struct{ closed map[string]bool }

func (d portDialer) PortOpen(_ context.Context, addr string, _ int, _ time.Duration) error {
	if d.closed[addr] {
		return errors.New("connection refused")
	}
	return nil
}

type harness struct {
	svc   *Service
	conf  *wgconf.Store
	store *memStore
	ping  addrPinger
	dial  portDialer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wg0.conf")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	conf := wgconf.New(path, "wg0", nil)

	pool, err := ipalloc.New("10.10.0.0/24", "10.10.0.1")
	require.NoError(t, err)

	store := newMemStore("mysql")
	reg := source.NewRegistry(store, source.NewWGConfig(conf))

	ping := addrPinger{down: map[string]bool{}}
	dial := portDialer{closed: map[string]bool{}}
	pr := probe.New(ping, dial)
	pr.Attempts = 1
	pr.Timeout = 100 * time.Millisecond

	return &harness{
		svc:   New(pool, conf, reg, pr, Options{}),
		conf:  conf,
		store: store,
		ping:  ping,
		dial:  dial,
	}
}

func TestAddPeerAutoAssignsAddress(t *testing.T) {
	h := newHarness(t)

	res := h.svc.AddPeer(context.Background(), "branch-1", "key-1", "")
	require.True(t, res.Ok(), "reason: %s", res.Reason)
	assert.Equal(t, "10.10.0.2", res.Address)
	assert.Empty(t, res.Warnings)

	peers, _, err := h.conf.List()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "branch-1", peers[0].Name)

	rec, err := h.store.Get(context.Background(), "branch-1")
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.2", rec.Address)
	assert.True(t, rec.Active)
}

func TestAddPeerSequentialAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, want := range []string{"10.10.0.2", "10.10.0.3", "10.10.0.4"} {
		res := h.svc.AddPeer(ctx, fmt.Sprintf("r%d", i), fmt.Sprintf("key-%d", i), "")
		require.True(t, res.Ok())
		assert.Equal(t, want, res.Address)
	}
	res := h.svc.AddPeer(ctx, "r3", "key-3", "")
	require.True(t, res.Ok())
	assert.Equal(t, "10.10.0.5", res.Address)
}

func TestAddPeerDuplicateFailsFast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.svc.AddPeer(ctx, "branch-1", "key-1", "").Ok())
	before := len(h.store.peers)

	res := h.svc.AddPeer(ctx, "branch-1", "key-other", "")
	assert.Equal(t, model.StageFailed, res.Stage)
	assert.Equal(t, model.StageAddressResolved, res.FailedAt)
	assert.Len(t, h.store.peers, before, "failed add must leave no record-store side effects")
}

func TestAddPeerRejectsAddressOutsidePool(t *testing.T) {
	h := newHarness(t)

	res := h.svc.AddPeer(context.Background(), "branch-1", "key-1", "192.168.1.5")
	assert.Equal(t, model.StageFailed, res.Stage)
	assert.Equal(t, model.StageRequested, res.FailedAt)

	res = h.svc.AddPeer(context.Background(), "branch-1", "key-1", "10.10.0.1")
	assert.Equal(t, model.StageFailed, res.Stage, "gateway must be rejected")
}

func TestAddPeerStoreDownIsWarningNotFailure(t *testing.T) {
	h := newHarness(t)
	h.store.down = true

	res := h.svc.AddPeer(context.Background(), "branch-1", "key-1", "")
	require.True(t, res.Ok(), "config success is authoritative")
	assert.NotEmpty(t, res.Warnings)

	peers, _, err := h.conf.List()
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}

func TestRemovePeer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.svc.AddPeer(ctx, "branch-1", "key-1", "").Ok())
	res := h.svc.RemovePeer(ctx, "branch-1")
	require.True(t, res.Ok(), "reason: %s", res.Reason)

	peers, _, err := h.conf.List()
	require.NoError(t, err)
	assert.Empty(t, peers)
	_, err = h.store.Get(ctx, "branch-1")
	assert.ErrorIs(t, err, source.ErrNotFound)

	// Second remove: NotFound, never a crash or corrupted file.
	res = h.svc.RemovePeer(ctx, "branch-1")
	assert.Equal(t, model.StageFailed, res.Stage)
	assert.Equal(t, model.StageRequested, res.FailedAt)
}

func TestRemovePeerMissingFromStoreIsFine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.svc.AddPeer(ctx, "branch-1", "key-1", "").Ok())
	delete(h.store.peers, "branch-1") // never replicated there

	res := h.svc.RemovePeer(ctx, "branch-1")
	require.True(t, res.Ok())
	assert.Empty(t, res.Warnings)
}

func TestSyncPeerNotConfigured(t *testing.T) {
	h := newHarness(t)

	res := h.svc.SyncPeer(context.Background(), "ghost")
	assert.Equal(t, model.StageFailed, res.Stage)
	assert.Contains(t, res.Reason, "not present in tunnel config")
}

func TestSyncPeerUnreachable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.svc.AddPeer(ctx, "branch-1", "key-1", "").Ok())
	h.ping.down["10.10.0.2"] = true

	res := h.svc.SyncPeer(ctx, "branch-1")
	assert.Equal(t, model.StageFailed, res.Stage)
	assert.Contains(t, res.Reason, "unreachable")
}

func TestSyncPeerAPIClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.svc.AddPeer(ctx, "branch-1", "key-1", "").Ok())
	h.dial.closed["10.10.0.2"] = true

	res := h.svc.SyncPeer(ctx, "branch-1")
	assert.Equal(t, model.StageFailed, res.Stage)
	assert.Contains(t, res.Reason, "api not accessible")
}

func TestSyncPeerWritesBackHealth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.svc.AddPeer(ctx, "branch-1", "key-1", "").Ok())
	res := h.svc.SyncPeer(ctx, "branch-1")
	require.True(t, res.Ok(), "reason: %s", res.Reason)

	rec, err := h.store.Get(ctx, "branch-1")
	require.NoError(t, err)
	assert.True(t, rec.APIAccessible)
	assert.False(t, rec.LastCheck.IsZero())
}

func TestSyncPeerSurfacesParseWarnings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.svc.AddPeer(ctx, "branch-1", "key-1", "").Ok())
	raw, err := os.ReadFile(h.conf.Path())
	require.NoError(t, err)
	broken := string(raw) + "\n# broken-peer\n[Peer]\nPublicKey = YnJva2VuLWtleQ==\n"
	require.NoError(t, os.WriteFile(h.conf.Path(), []byte(broken), 0o600))

	res := h.svc.SyncPeer(ctx, "branch-1")
	require.True(t, res.Ok(), "reason: %s", res.Reason)
	require.NotEmpty(t, res.Warnings, "malformed block must not vanish silently")
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "broken-peer") {
			found = true
		}
	}
	assert.True(t, found, "warnings: %v", res.Warnings)
}

func TestAggregateStatusCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, h.svc.AddPeer(ctx, fmt.Sprintf("r%d", i), fmt.Sprintf("key-%d", i), "").Ok())
	}
	h.ping.down["10.10.0.3"] = true
	h.ping.down["10.10.0.5"] = true

	st, warnings := h.svc.AggregateStatus(ctx)
	assert.Empty(t, warnings)
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, 3, st.Online)
	assert.Equal(t, 2, st.Offline)
	for _, ps := range st.Peers {
		if !ps.Probe.Reachable {
			assert.False(t, ps.Peer.APIAccessible, "offline peer %s must not report api access", ps.Peer.Name)
		}
	}
}

func TestAggregateStatusFallsBackToConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.svc.AddPeer(ctx, "branch-1", "key-1", "").Ok())
	h.store.down = true

	st, warnings := h.svc.AggregateStatus(ctx)
	assert.Equal(t, 1, st.Total)
	require.Len(t, st.Peers, 1)
	assert.Equal(t, "wgconfig", st.Peers[0].Peer.Source)
	assert.NotEmpty(t, warnings)
}

func TestConcurrentAddsBothLand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]model.OpResult, 2)
	names := []string{"r1", "r2"}
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = h.svc.AddPeer(ctx, name, "key-"+name, "")
		}(i, name)
	}
	wg.Wait()

	for i, res := range results {
		assert.True(t, res.Ok(), "add %s failed: %s", names[i], res.Reason)
	}
	peers, _, err := h.conf.List()
	require.NoError(t, err)
	assert.Len(t, peers, 2, "no lost update")
	assert.NotEqual(t, results[0].Address, results[1].Address)
}

// gateStore stalls the record-store write for one peer name.
type gateStore struct {
	*memStore
	blockName string
	entered   chan struct{}
	release   chan struct{}
}

func (g *gateStore) Upsert(ctx context.Context, p model.Peer) error {
	if p.Name == g.blockName {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.memStore.Upsert(ctx, p)
}

func TestAddPeerStoreWriteDoesNotBlockOtherAdds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wg0.conf")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	conf := wgconf.New(path, "wg0", nil)
	pool, err := ipalloc.New("10.10.0.0/24", "10.10.0.1")
	require.NoError(t, err)

	gs := &gateStore{
		memStore:  newMemStore("mysql"),
		blockName: "slow",
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	pr := probe.New(addrPinger{down: map[string]bool{}}, portDialer{closed: map[string]bool{}})
	pr.Attempts = 1
	pr.Timeout = 100 * time.Millisecond
	svc := New(pool, conf, source.NewRegistry(gs, source.NewWGConfig(conf)), pr, Options{})

	slowDone := make(chan model.OpResult, 1)
	go func() { slowDone <- svc.AddPeer(context.Background(), "slow", "key-slow", "") }()
	<-gs.entered // slow add is now stalled inside its record-store write

	fastDone := make(chan model.OpResult, 1)
	go func() { fastDone <- svc.AddPeer(context.Background(), "fast", "key-fast", "") }()

	select {
	case res := <-fastDone:
		require.True(t, res.Ok(), "reason: %s", res.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("add blocked behind another peer's record-store write")
	}

	close(gs.release)
	res := <-slowDone
	require.True(t, res.Ok(), "reason: %s", res.Reason)
	assert.NotEqual(t, res.Address, "", "stalled add still resolves its address")
}

func TestAuditTrail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.svc.AddPeer(ctx, "branch-1", "key-1", "").Ok())
	require.True(t, h.svc.RemovePeer(ctx, "branch-1").Ok())

	require.Len(t, h.store.audit, 2)
	assert.Equal(t, "add", h.store.audit[0].Action)
	assert.Equal(t, "remove", h.store.audit[1].Action)
}
