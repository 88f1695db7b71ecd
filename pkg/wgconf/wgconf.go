// Package wgconf owns the on-disk wg-quick configuration. Peers are
// stored as commented blocks; all mutation is whole-file rewrite via
// an atomic rename so a concurrent reader never sees a partial write.
package wgconf

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mmkash-web/wireguard/pkg/model"
)

var (
	ErrDuplicateName = errors.New("peer already present in config")
	ErrNotFound      = errors.New("peer not found in config")
)

// rewriteMu serializes whole-file rewrites process-wide. Two concurrent
// mutations must not interleave their read-modify-write cycles.
var rewriteMu sync.Mutex

// Store reads and rewrites one wg-quick configuration file.
type Store struct {
	path   string
	iface  string
	reload Reloader
}

// New returns a Store over path for iface. reload may be nil when the
// caller does not want the daemon cycled after writes.
func New(path, iface string, reload Reloader) *Store {
	return &Store{path: path, iface: iface, reload: reload}
}

// Path returns the config file location.
func (s *Store) Path() string { return s.path }

// Interface returns the tunnel interface name.
func (s *Store) Interface() string { return s.iface }

// List parses the peer blocks in config order. Malformed blocks are
// skipped and reported as warnings, never as a fatal error.
func (s *Store) List() ([]model.Peer, []string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config %s: %w", s.path, err)
	}
	peers, warnings := parsePeers(string(raw))
	return peers, warnings, nil
}

// UsedAddresses returns every address currently assigned in the config,
// gateway included. This is the allocator's single source of truth.
func (s *Store) UsedAddresses() ([]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", s.path, err)
	}
	var used []string
	for _, line := range strings.Split(string(raw), "\n") {
		key, val, ok := splitField(line)
		if !ok {
			continue
		}
		switch key {
		case "AllowedIPs", "Address":
			for _, part := range strings.Split(val, ",") {
				if ip := stripMask(strings.TrimSpace(part)); ip != "" {
					used = append(used, ip)
				}
			}
		}
	}
	return used, nil
}

// AddPeer appends a well-formed block for p and cycles the daemon.
// The peer must carry a name, public key and address.
func (s *Store) AddPeer(p model.Peer) error {
	if p.Name == "" || p.PublicKey == "" || p.Address == "" {
		return fmt.Errorf("peer %q: name, public key and address are required", p.Name)
	}
	rewriteMu.Lock()
	defer rewriteMu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", s.path, err)
	}
	// findBlock rather than parsePeers: a malformed block still owns
	// its name and must not be shadowed by a second one.
	if start, _ := findBlock(strings.SplitAfter(string(raw), "\n"), p.Name); start >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
	}

	var b strings.Builder
	b.Write(raw)
	if len(raw) > 0 && !strings.HasSuffix(string(raw), "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n# %s\n[Peer]\nPublicKey = %s\nAllowedIPs = %s/32\n", p.Name, p.PublicKey, p.Address)

	if err := s.writeAtomic([]byte(b.String())); err != nil {
		return err
	}
	s.cycle()
	return nil
}

// RemovePeer excises the named block verbatim, from its name comment
// through its AllowedIPs line. Other blocks are preserved byte-exact.
func (s *Store) RemovePeer(name string) error {
	rewriteMu.Lock()
	defer rewriteMu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", s.path, err)
	}
	lines := strings.SplitAfter(string(raw), "\n")
	start, end := findBlock(lines, name)
	if start < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	// Swallow the blank separator line written ahead of the block.
	if start > 0 && strings.TrimSpace(lines[start-1]) == "" {
		start--
	}
	out := strings.Join(append(lines[:start:start], lines[end:]...), "")

	if err := s.writeAtomic([]byte(out)); err != nil {
		return err
	}
	s.cycle()
	return nil
}

// writeAtomic replaces the config via temp file + rename. A partial
// write never becomes visible.
func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// cycle bounces the daemon so the running tunnel picks up the new file.
// Reload failure does not roll back the write; the file is the source
// of truth and the reload can be retried.
func (s *Store) cycle() {
	if s.reload == nil {
		return
	}
	if err := s.reload.Down(s.iface); err != nil {
		log.Printf("wg-quick down %s failed: %v", s.iface, err)
	}
	if err := s.reload.Up(s.iface); err != nil {
		log.Printf("wg-quick up %s failed: %v", s.iface, err)
	}
}
