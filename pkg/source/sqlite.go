package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mmkash-web/wireguard/pkg/model"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS routers(
	name TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	ip_address TEXT,
	vpn_type TEXT NOT NULL DEFAULT 'wireguard',
	is_active INTEGER NOT NULL DEFAULT 1,
	api_accessible INTEGER NOT NULL DEFAULT 0,
	last_vpn_check INTEGER,
	notes TEXT
);
CREATE INDEX IF NOT EXISTS idx_routers_vpn_type ON routers(vpn_type);`

// SQLite is the secondary record source: a local replica that keeps
// working when the primary database is unreachable.
type SQLite struct {
	db        *sql.DB
	available bool
}

// NewSQLite opens (or creates) the replica at path. Any init failure
// degrades the source instead of failing the caller.
func NewSQLite(path string) *SQLite {
	s := &SQLite{}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("sqlite source degraded: mkdir: %v", err)
		return s
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		log.Printf("sqlite source degraded: open: %v", err)
		return s
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Printf("sqlite source degraded: ping: %v", err)
		_ = db.Close()
		return s
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		log.Printf("sqlite source degraded: schema: %v", err)
		_ = db.Close()
		return s
	}
	s.db = db
	s.available = true
	return s
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) List(ctx context.Context, f Filter) ([]model.Peer, error) {
	if !s.available {
		return nil, ErrUnavailable
	}
	query := `SELECT name, public_key, ip_address, vpn_type, is_active, api_accessible, last_vpn_check, notes
		FROM routers WHERE 1=1`
	args := []interface{}{}
	if f.VPNType != "" {
		query += " AND vpn_type = ?"
		args = append(args, f.VPNType)
	}
	if f.ActiveOnly {
		query += " AND is_active = 1"
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite list peers: %w", err)
	}
	defer rows.Close()

	var peers []model.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan peer: %w", err)
		}
		p.Source = s.Name()
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *SQLite) Get(ctx context.Context, name string) (model.Peer, error) {
	if !s.available {
		return model.Peer{}, ErrUnavailable
	}
	row := s.db.QueryRowContext(ctx, `SELECT name, public_key, ip_address, vpn_type, is_active, api_accessible, last_vpn_check, notes
		FROM routers WHERE name = ?`, name)
	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Peer{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return model.Peer{}, fmt.Errorf("sqlite get peer %s: %w", name, err)
	}
	p.Source = s.Name()
	return p, nil
}

func (s *SQLite) Upsert(ctx context.Context, p model.Peer) error {
	if !s.available {
		return ErrUnavailable
	}
	if p.VPNType == "" {
		p.VPNType = model.VPNTypeWireGuard
	}
	if p.PublicKey != "" {
		var other string
		err := s.db.QueryRowContext(ctx, `SELECT name FROM routers WHERE public_key = ? AND name <> ?`,
			p.PublicKey, p.Name).Scan(&other)
		if err == nil {
			return fmt.Errorf("%w: public key of %s already registered as %s", ErrConflict, p.Name, other)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite upsert check %s: %w", p.Name, err)
		}
	}
	var lastCheck interface{}
	if !p.LastCheck.IsZero() {
		lastCheck = p.LastCheck.Unix()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO routers(name, public_key, ip_address, vpn_type, is_active, api_accessible, last_vpn_check, notes)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			public_key = excluded.public_key,
			ip_address = excluded.ip_address,
			is_active = excluded.is_active,
			api_accessible = excluded.api_accessible,
			last_vpn_check = COALESCE(excluded.last_vpn_check, routers.last_vpn_check),
			notes = excluded.notes`,
		p.Name, p.PublicKey, p.Address, p.VPNType, boolToInt(p.Active), boolToInt(p.APIAccessible), lastCheck, p.Notes)
	if err != nil {
		return fmt.Errorf("sqlite upsert peer %s: %w", p.Name, err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, name string) error {
	if !s.available {
		return ErrUnavailable
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM routers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("sqlite remove peer %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (s *SQLite) HealthCheck(ctx context.Context) bool {
	return s.available && s.db.PingContext(ctx) == nil
}

// Close releases the underlying handle.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPeer(r rowScanner) (model.Peer, error) {
	var p model.Peer
	var active, api int
	var addr, notes sql.NullString
	var lastCheck sql.NullInt64
	if err := r.Scan(&p.Name, &p.PublicKey, &addr, &p.VPNType, &active, &api, &lastCheck, &notes); err != nil {
		return model.Peer{}, err
	}
	p.Address = addr.String
	p.Notes = notes.String
	p.Active = active != 0
	p.APIAccessible = api != 0
	if lastCheck.Valid {
		p.LastCheck = time.Unix(lastCheck.Int64, 0)
	}
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
