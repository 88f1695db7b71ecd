package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/mmkash-web/wireguard/pkg/model"
)

const consulPeerPrefix = "wg-fleet/peers/"

// Consul is a KV-backed record source, selectable as the secondary
// store for deployments that already run a Consul cluster.
type Consul struct {
	cli       *consulapi.Client
	available bool
}

// NewConsul connects to the agent at addr (empty = consul defaults).
// An unreachable agent degrades the source.
func NewConsul(addr string) *Consul {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		log.Printf("consul source degraded: %v", err)
		return &Consul{}
	}
	if _, err := cli.Status().Leader(); err != nil {
		log.Printf("consul source degraded: %v", err)
		return &Consul{cli: cli}
	}
	return &Consul{cli: cli, available: true}
}

func (c *Consul) Name() string { return "consul" }

func (c *Consul) List(ctx context.Context, f Filter) ([]model.Peer, error) {
	if !c.available {
		return nil, ErrUnavailable
	}
	pairs, _, err := c.cli.KV().List(consulPeerPrefix, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul list peers: %w", err)
	}
	var peers []model.Peer
	for _, pair := range pairs {
		var p model.Peer
		if err := json.Unmarshal(pair.Value, &p); err != nil {
			log.Printf("consul: skipping undecodable key %s: %v", pair.Key, err)
			continue
		}
		if f.VPNType != "" && p.VPNType != f.VPNType {
			continue
		}
		if f.ActiveOnly && !p.Active {
			continue
		}
		p.Source = c.Name()
		peers = append(peers, p)
	}
	return peers, nil
}

func (c *Consul) Get(ctx context.Context, name string) (model.Peer, error) {
	if !c.available {
		return model.Peer{}, ErrUnavailable
	}
	pair, _, err := c.cli.KV().Get(consulPeerPrefix+name, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return model.Peer{}, fmt.Errorf("consul get peer %s: %w", name, err)
	}
	if pair == nil {
		return model.Peer{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	var p model.Peer
	if err := json.Unmarshal(pair.Value, &p); err != nil {
		return model.Peer{}, fmt.Errorf("consul decode peer %s: %w", name, err)
	}
	p.Source = c.Name()
	return p, nil
}

func (c *Consul) Upsert(ctx context.Context, p model.Peer) error {
	if !c.available {
		return ErrUnavailable
	}
	if p.VPNType == "" {
		p.VPNType = model.VPNTypeWireGuard
	}
	if p.PublicKey != "" {
		peers, err := c.List(ctx, Filter{})
		if err != nil {
			return err
		}
		for _, other := range peers {
			if other.Name != p.Name && other.PublicKey == p.PublicKey {
				return fmt.Errorf("%w: public key of %s already registered as %s", ErrConflict, p.Name, other.Name)
			}
		}
	}
	p.Source = ""
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("consul encode peer %s: %w", p.Name, err)
	}
	_, err = c.cli.KV().Put(&consulapi.KVPair{Key: consulPeerPrefix + p.Name, Value: b},
		(&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("consul upsert peer %s: %w", p.Name, err)
	}
	return nil
}

func (c *Consul) Remove(ctx context.Context, name string) error {
	if !c.available {
		return ErrUnavailable
	}
	pair, _, err := c.cli.KV().Get(consulPeerPrefix+name, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("consul remove peer %s: %w", name, err)
	}
	if pair == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if _, err := c.cli.KV().Delete(consulPeerPrefix+name, (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("consul remove peer %s: %w", name, err)
	}
	return nil
}

func (c *Consul) HealthCheck(ctx context.Context) bool {
	if !c.available {
		return false
	}
	_, err := c.cli.Status().Leader()
	return err == nil
}
