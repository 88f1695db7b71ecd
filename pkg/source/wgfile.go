package source

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mmkash-web/wireguard/pkg/model"
	"github.com/mmkash-web/wireguard/pkg/wgconf"
)

// WGConfig adapts the tunnel configuration file as the last-resort
// record source. Peers found there are live by definition.
type WGConfig struct {
	store *wgconf.Store
}

func NewWGConfig(store *wgconf.Store) *WGConfig {
	return &WGConfig{store: store}
}

func (w *WGConfig) Name() string { return "wgconfig" }

func (w *WGConfig) List(ctx context.Context, f Filter) ([]model.Peer, error) {
	peers, warnings, err := w.store.List()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, warn := range warnings {
		log.Printf("wgconfig parse warning: %s", warn)
	}
	out := make([]model.Peer, 0, len(peers))
	for _, p := range peers {
		if f.VPNType != "" && p.VPNType != f.VPNType {
			continue
		}
		p.Source = w.Name()
		out = append(out, p)
	}
	return out, nil
}

func (w *WGConfig) Get(ctx context.Context, name string) (model.Peer, error) {
	peers, err := w.List(ctx, Filter{})
	if err != nil {
		return model.Peer{}, err
	}
	for _, p := range peers {
		if p.Name == name {
			return p, nil
		}
	}
	return model.Peer{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Upsert rewrites the peer's config block. An unchanged peer is left
// alone so surrounding bytes stay untouched.
func (w *WGConfig) Upsert(ctx context.Context, p model.Peer) error {
	existing, err := w.Get(ctx, p.Name)
	if err == nil {
		if existing.PublicKey == p.PublicKey && existing.Address == p.Address {
			return nil
		}
		if err := w.store.RemovePeer(p.Name); err != nil && !errors.Is(err, wgconf.ErrNotFound) {
			return fmt.Errorf("wgconfig upsert peer %s: %w", p.Name, err)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := w.store.AddPeer(p); err != nil {
		if errors.Is(err, wgconf.ErrDuplicateName) {
			return fmt.Errorf("%w: %s", ErrConflict, p.Name)
		}
		return fmt.Errorf("wgconfig upsert peer %s: %w", p.Name, err)
	}
	return nil
}

func (w *WGConfig) Remove(ctx context.Context, name string) error {
	if err := w.store.RemovePeer(name); err != nil {
		if errors.Is(err, wgconf.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("wgconfig remove peer %s: %w", name, err)
	}
	return nil
}

func (w *WGConfig) HealthCheck(ctx context.Context) bool {
	_, _, err := w.store.List()
	return err == nil
}
