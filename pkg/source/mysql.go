package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/mmkash-web/wireguard/pkg/model"
)

// MySQL is the primary record source, backed by the shared billing
// database.
type MySQL struct {
	db        *gorm.DB
	available bool
}

// NewMySQL wraps db. A nil or unreachable db yields a degraded source
// that reports ErrUnavailable for every call.
func NewMySQL(db *gorm.DB) *MySQL {
	m := &MySQL{db: db}
	if db == nil {
		return m
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Printf("mysql source degraded: %v", err)
		return m
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		log.Printf("mysql source degraded: %v", err)
		return m
	}
	m.available = true
	return m
}

func (m *MySQL) Name() string { return "mysql" }

func (m *MySQL) List(ctx context.Context, f Filter) ([]model.Peer, error) {
	if !m.available {
		return nil, ErrUnavailable
	}
	q := m.db.WithContext(ctx).Model(&model.Peer{})
	if f.VPNType != "" {
		q = q.Where("vpn_type = ?", f.VPNType)
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	var peers []model.Peer
	if err := q.Order("name").Find(&peers).Error; err != nil {
		return nil, fmt.Errorf("mysql list peers: %w", err)
	}
	for i := range peers {
		peers[i].Source = m.Name()
	}
	return peers, nil
}

func (m *MySQL) Get(ctx context.Context, name string) (model.Peer, error) {
	if !m.available {
		return model.Peer{}, ErrUnavailable
	}
	var p model.Peer
	err := m.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Peer{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return model.Peer{}, fmt.Errorf("mysql get peer %s: %w", name, err)
	}
	p.Source = m.Name()
	return p, nil
}

// Upsert inserts or updates by name. A different record already holding
// the same public key is a conflict, not an overwrite.
func (m *MySQL) Upsert(ctx context.Context, p model.Peer) error {
	if !m.available {
		return ErrUnavailable
	}
	if p.VPNType == "" {
		p.VPNType = model.VPNTypeWireGuard
	}
	db := m.db.WithContext(ctx)

	if p.PublicKey != "" {
		var count int64
		if err := db.Model(&model.Peer{}).
			Where("public_key = ? AND name <> ?", p.PublicKey, p.Name).
			Count(&count).Error; err != nil {
			return fmt.Errorf("mysql upsert check %s: %w", p.Name, err)
		}
		if count > 0 {
			return fmt.Errorf("%w: public key of %s already registered under another name", ErrConflict, p.Name)
		}
	}

	var existing model.Peer
	err := db.Where("name = ?", p.Name).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.Create(&p).Error; err != nil {
			return fmt.Errorf("mysql insert peer %s: %w", p.Name, err)
		}
	case err != nil:
		return fmt.Errorf("mysql upsert peer %s: %w", p.Name, err)
	default:
		updates := map[string]interface{}{
			"public_key":     p.PublicKey,
			"ip_address":     p.Address,
			"is_active":      p.Active,
			"api_accessible": p.APIAccessible,
			"notes":          p.Notes,
		}
		if !p.LastCheck.IsZero() {
			updates["last_vpn_check"] = p.LastCheck
		}
		if err := db.Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("mysql update peer %s: %w", p.Name, err)
		}
	}
	return nil
}

func (m *MySQL) Remove(ctx context.Context, name string) error {
	if !m.available {
		return ErrUnavailable
	}
	res := m.db.WithContext(ctx).Where("name = ?", name).Delete(&model.Peer{})
	if res.Error != nil {
		return fmt.Errorf("mysql remove peer %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (m *MySQL) HealthCheck(ctx context.Context) bool {
	if !m.available {
		return false
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// AppendAudit persists one mutation record alongside the peers.
func (m *MySQL) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if !m.available {
		return ErrUnavailable
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := m.db.WithContext(ctx).Create(&e).Error; err != nil {
		return fmt.Errorf("mysql append audit: %w", err)
	}
	return nil
}
