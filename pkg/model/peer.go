package model

import "time"

// VPNTypeWireGuard tags records managed by this system; other tunnel
// types may share the same backing tables.
const VPNTypeWireGuard = "wireguard"

// Peer is one remote endpoint registered in the tunnel mesh.
// Name is the primary key across the fleet; PublicKey is the
// source-of-truth identity on the wire.
type Peer struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"uniqueIndex;size:64" json:"name"`
	PublicKey     string    `gorm:"size:64" json:"publicKey"`
	Address       string    `gorm:"column:ip_address;size:15" json:"address,omitempty"` // empty = auto-assign pending
	VPNType       string    `gorm:"column:vpn_type;size:16;index" json:"vpnType"`
	Active        bool      `gorm:"column:is_active" json:"active"`
	APIAccessible bool      `gorm:"column:api_accessible" json:"apiAccessible"`
	LastCheck     time.Time `gorm:"column:last_vpn_check" json:"lastCheck,omitempty"` // zero = never probed
	Notes         string    `json:"notes,omitempty"`
	Source        string    `gorm:"-" json:"source,omitempty"` // record source that produced this view
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TableName keeps the table shared with the billing system.
func (Peer) TableName() string { return "routers" }
