package model

import "time"

// ProbeResult is the outcome of one reachability check against a peer.
type ProbeResult struct {
	Reachable     bool      `json:"reachable"`
	APIAccessible bool      `json:"apiAccessible"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// PeerStatus pairs a merged peer record with its live probe result.
type PeerStatus struct {
	Peer  Peer        `json:"peer"`
	Probe ProbeResult `json:"probe"`
}

// FleetStatus aggregates probe results over the whole fleet.
type FleetStatus struct {
	Total   int          `json:"total"`
	Online  int          `json:"online"`
	Offline int          `json:"offline"`
	Peers   []PeerStatus `json:"peers"`
}

// DeviceStatus is the response of a remote device's management API.
type DeviceStatus struct {
	Identity string `json:"identity"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Uptime   string `json:"uptime"`
}
