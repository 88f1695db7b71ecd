// Package fleet orchestrates peer lifecycle: address assignment,
// tunnel config mutation, record-store write-through and live probing.
// The tunnel configuration file is authoritative; record stores degrade
// to warnings.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mmkash-web/wireguard/pkg/ipalloc"
	"github.com/mmkash-web/wireguard/pkg/model"
	"github.com/mmkash-web/wireguard/pkg/probe"
	"github.com/mmkash-web/wireguard/pkg/source"
	"github.com/mmkash-web/wireguard/pkg/wgconf"
)

var (
	ErrNotConfigured  = errors.New("peer not present in tunnel config")
	ErrUnreachable    = errors.New("peer unreachable")
	ErrAPIUnreachable = errors.New("peer api not accessible")
)

// Auditor is implemented by record sources that can persist an
// operations log.
type Auditor interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// Options tune the service; zero values select defaults.
type Options struct {
	APIPort   int // device management port, default 8728
	MaxProbes int // status scan concurrency bound, default 16
}

// Service is the reconciliation engine over one tunnel interface.
type Service struct {
	pool     *ipalloc.Pool
	conf     *wgconf.Store
	registry *source.Registry
	probe    *probe.Probe
	apiPort  int
	probeCap int

	// allocMu spans address resolution and the config append so two
	// adds for different names cannot claim the same address.
	allocMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(pool *ipalloc.Pool, conf *wgconf.Store, reg *source.Registry, pr *probe.Probe, opts Options) *Service {
	if opts.APIPort <= 0 {
		opts.APIPort = 8728
	}
	if opts.MaxProbes <= 0 {
		opts.MaxProbes = 16
	}
	return &Service{
		pool:     pool,
		conf:     conf,
		registry: reg,
		probe:    pr,
		apiPort:  opts.APIPort,
		probeCap: opts.MaxProbes,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Registry exposes the merged fleet view for read-only callers.
func (s *Service) Registry() *source.Registry { return s.registry }

// APIPort returns the configured device management port.
func (s *Service) APIPort() int { return s.apiPort }

// AddPeer resolves an address, writes the tunnel config, then writes
// through to the first available record store. Record-store failure
// after a config write degrades to warnings: the tunnel is already
// functionally connected.
func (s *Service) AddPeer(ctx context.Context, name, publicKey, address string) model.OpResult {
	res := model.OpResult{Name: name, Stage: model.StageRequested}
	if name == "" || publicKey == "" {
		return fail(res, "name and public key are required")
	}
	unlock := s.lockName(name)
	defer unlock()

	p, res, ok := s.reserveAndWrite(res, publicKey, address)
	if !ok {
		return res
	}

	res.Warnings = append(res.Warnings, s.writeThrough(ctx, p)...)
	res.Stage = model.StageRecordsWritten

	s.audit(ctx, name, "add", fmt.Sprintf("peer added with address %s", res.Address))
	res.Stage = model.StageDone
	return res
}

// reserveAndWrite resolves the peer's address and appends its config
// block. allocMu spans only this read-modify-write so concurrent adds
// cannot claim the same address; record-store writes happen outside it.
func (s *Service) reserveAndWrite(res model.OpResult, publicKey, address string) (model.Peer, model.OpResult, bool) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	used, err := s.conf.UsedAddresses()
	if err != nil {
		return model.Peer{}, fail(res, fmt.Sprintf("read tunnel config: %v", err)), false
	}
	if address == "" {
		address, err = s.pool.Allocate(used)
		if err != nil {
			return model.Peer{}, fail(res, fmt.Sprintf("assign address: %v", err)), false
		}
	} else {
		if !s.pool.Validate(address) {
			return model.Peer{}, fail(res, fmt.Sprintf("address %s is not an allocatable host in pool %s", address, s.pool.CIDR())), false
		}
		for _, u := range used {
			if u == address {
				return model.Peer{}, fail(res, fmt.Sprintf("address %s already assigned", address)), false
			}
		}
	}
	res.Address = address
	res.Stage = model.StageAddressResolved

	p := model.Peer{
		Name:      res.Name,
		PublicKey: publicKey,
		Address:   address,
		VPNType:   model.VPNTypeWireGuard,
		Active:    true,
		Notes:     "added via wg-fleet",
	}
	if err := s.conf.AddPeer(p); err != nil {
		// Fail fast with no record-store side effects.
		return model.Peer{}, fail(res, fmt.Sprintf("write tunnel config: %v", err)), false
	}
	res.Stage = model.StageConfigWritten
	return p, res, true
}

// RemovePeer deletes the peer's config block, then best-effort removes
// it from every record store. A store that never held the name is not
// an error.
func (s *Service) RemovePeer(ctx context.Context, name string) model.OpResult {
	res := model.OpResult{Name: name, Stage: model.StageRequested}
	if name == "" {
		return fail(res, "name is required")
	}
	unlock := s.lockName(name)
	defer unlock()

	if err := s.conf.RemovePeer(name); err != nil {
		return fail(res, fmt.Sprintf("remove from tunnel config: %v", err))
	}
	res.Stage = model.StageConfigWritten

	for _, src := range s.recordStores() {
		err := src.Remove(ctx, name)
		switch {
		case err == nil, errors.Is(err, source.ErrNotFound):
			// Not replicated there; nothing to do.
		default:
			res.Warnings = append(res.Warnings, fmt.Sprintf("store %s remove failed: %v", src.Name(), err))
		}
	}
	res.Stage = model.StageRecordsWritten

	s.audit(ctx, name, "remove", "peer removed")
	res.Stage = model.StageDone
	return res
}

// SyncPeer verifies the peer is configured and reachable, then writes
// the refreshed health fields back to the authoritative record store.
func (s *Service) SyncPeer(ctx context.Context, name string) model.OpResult {
	res := model.OpResult{Name: name, Stage: model.StageRequested}
	if name == "" {
		return fail(res, "name is required")
	}
	unlock := s.lockName(name)
	defer unlock()

	peers, parseWarnings, err := s.conf.List()
	if err != nil {
		return fail(res, fmt.Sprintf("read tunnel config: %v", err))
	}
	res.Warnings = append(res.Warnings, parseWarnings...)
	var p model.Peer
	found := false
	for _, cand := range peers {
		if cand.Name == name {
			p = cand
			found = true
			break
		}
	}
	if !found {
		return fail(res, fmt.Sprintf("%v: %s", ErrNotConfigured, name))
	}
	res.Address = p.Address
	res.Stage = model.StageAddressResolved

	pr := s.probe.Check(ctx, p.Address, s.apiPort)
	if !pr.Reachable {
		return fail(res, fmt.Sprintf("%v: %s", ErrUnreachable, pr.Reason))
	}
	if !pr.APIAccessible {
		return fail(res, fmt.Sprintf("%v: %s", ErrAPIUnreachable, pr.Reason))
	}

	p.APIAccessible = true
	p.LastCheck = pr.Timestamp
	res.Warnings = append(res.Warnings, s.writeThrough(ctx, p)...)
	res.Stage = model.StageRecordsWritten

	s.audit(ctx, name, "sync", "peer reachable, api accessible")
	res.Stage = model.StageDone
	return res
}

// AggregateStatus merges all sources and probes every peer
// concurrently, bounded by MaxProbes. No partial results surface;
// every probe completes before the aggregate returns.
func (s *Service) AggregateStatus(ctx context.Context) (model.FleetStatus, []string) {
	peers, warnings := s.registry.Merge(ctx, source.Filter{VPNType: model.VPNTypeWireGuard})

	statuses := make([]model.PeerStatus, len(peers))
	limit := s.probeCap
	if limit > len(peers) {
		limit = len(peers)
	}
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := range peers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			pr := s.probe.Check(ctx, peers[i].Address, s.apiPort)
			p := peers[i]
			p.APIAccessible = pr.APIAccessible
			p.LastCheck = pr.Timestamp
			statuses[i] = model.PeerStatus{Peer: p, Probe: pr}
		}(i)
	}
	wg.Wait()

	st := model.FleetStatus{Total: len(peers), Peers: statuses}
	for _, ps := range statuses {
		if ps.Probe.Reachable {
			st.Online++
		} else {
			st.Offline++
		}
	}
	return st, warnings
}

// writeThrough upserts p into the first available record store,
// collecting degradations as warnings. The config-file source is
// skipped: the block is already written.
func (s *Service) writeThrough(ctx context.Context, p model.Peer) []string {
	var warnings []string
	for _, src := range s.recordStores() {
		if !src.HealthCheck(ctx) {
			warnings = append(warnings, fmt.Sprintf("store %s unavailable, record not written there", src.Name()))
			continue
		}
		if err := src.Upsert(ctx, p); err != nil {
			warnings = append(warnings, fmt.Sprintf("store %s write failed: %v", src.Name(), err))
			continue
		}
		return warnings
	}
	warnings = append(warnings, fmt.Sprintf("peer %s not recorded in any record store; tunnel config remains authoritative", p.Name))
	return warnings
}

// recordStores returns the registry sources minus the config-file
// adapter, which the service mutates directly through the ConfigStore.
func (s *Service) recordStores() []source.RecordSource {
	var out []source.RecordSource
	for _, src := range s.registry.Sources() {
		if _, ok := src.(*source.WGConfig); ok {
			continue
		}
		out = append(out, src)
	}
	return out
}

func (s *Service) audit(ctx context.Context, peerName, action, msg string) {
	for _, src := range s.registry.Sources() {
		a, ok := src.(Auditor)
		if !ok {
			continue
		}
		entry := model.AuditEntry{Peer: peerName, Action: action, Message: msg, Timestamp: time.Now()}
		if err := a.AppendAudit(ctx, entry); err != nil {
			log.Printf("audit append for %s failed: %v", peerName, err)
		}
		return
	}
}

// lockName serializes operations per peer name. Distinct names proceed
// in parallel; the config rewrite itself is serialized in wgconf.
func (s *Service) lockName(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func fail(res model.OpResult, reason string) model.OpResult {
	res.FailedAt = res.Stage
	res.Stage = model.StageFailed
	res.Reason = reason
	return res
}
