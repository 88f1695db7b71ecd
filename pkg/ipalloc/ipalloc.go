// Package ipalloc hands out unused host addresses inside a fixed CIDR
// pool. Used addresses are derived by the caller from the tunnel config
// so there is a single source of truth.
package ipalloc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrExhausted means no host address remains in the pool. The caller
// must not retry; growing the fleet requires a larger CIDR.
var ErrExhausted = errors.New("address pool exhausted")

// Pool is a fixed CIDR block with a reserved gateway address.
type Pool struct {
	network *net.IPNet
	gateway net.IP
}

// New parses the pool CIDR and gateway. The gateway must be a host
// address inside the CIDR.
func New(cidr, gateway string) (*Pool, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse pool cidr %q: %w", cidr, err)
	}
	if network.IP.To4() == nil {
		return nil, fmt.Errorf("pool %q is not IPv4", cidr)
	}
	gw := net.ParseIP(gateway)
	if gw == nil || gw.To4() == nil {
		return nil, fmt.Errorf("parse gateway %q: invalid IPv4 address", gateway)
	}
	if !network.Contains(gw) {
		return nil, fmt.Errorf("gateway %s outside pool %s", gateway, cidr)
	}
	return &Pool{network: network, gateway: gw.To4()}, nil
}

// CIDR returns the pool in CIDR notation.
func (p *Pool) CIDR() string { return p.network.String() }

// Gateway returns the reserved gateway address.
func (p *Pool) Gateway() string { return p.gateway.String() }

// Allocate returns the lowest host address not present in used.
// The network, broadcast and gateway addresses are never returned.
func (p *Pool) Allocate(used []string) (string, error) {
	taken := make(map[uint32]struct{}, len(used))
	for _, u := range used {
		if ip := net.ParseIP(u); ip != nil && ip.To4() != nil {
			taken[ipToU32(ip)] = struct{}{}
		}
	}
	first, last := p.hostRange()
	gw := ipToU32(p.gateway)
	for n := first; n <= last; n++ {
		if n == gw {
			continue
		}
		if _, ok := taken[n]; ok {
			continue
		}
		return u32ToIP(n).String(), nil
	}
	return "", ErrExhausted
}

// Validate reports whether addr is an allocatable host address in the
// pool: four dot-separated octets, inside the network, and not the
// network, broadcast or gateway address.
func (p *Pool) Validate(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return false
	}
	if !p.network.Contains(ip) {
		return false
	}
	n := ipToU32(ip)
	first, last := p.hostRange()
	if n < first || n > last {
		return false
	}
	return n != ipToU32(p.gateway)
}

// hostRange returns the first and last allocatable host numbers,
// excluding the network and broadcast addresses.
func (p *Pool) hostRange() (uint32, uint32) {
	network := ipToU32(p.network.IP)
	ones, bits := p.network.Mask.Size()
	size := uint32(1) << uint(bits-ones)
	if size <= 2 {
		// /31 and /32 have no usable hosts under this scheme.
		return 1, 0
	}
	return network + 1, network + size - 2
}

func ipToU32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func u32ToIP(n uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return net.IP(b)
}
