// Package source abstracts the backing stores that hold peer records.
// Every backend degrades independently: one that was unreachable at
// init answers ErrUnavailable forever and contributes nothing to a
// merge instead of failing the caller.
package source

import (
	"context"
	"errors"

	"github.com/mmkash-web/wireguard/pkg/model"
)

var (
	// ErrUnavailable marks a source that cannot be reached. Callers
	// treat it as "contributes nothing", never as fatal.
	ErrUnavailable = errors.New("record source unavailable")
	ErrNotFound    = errors.New("peer record not found")
	// ErrConflict signals a constraint violation (another record holds
	// the same identity) rather than a silent overwrite.
	ErrConflict = errors.New("peer record conflict")
)

// Filter narrows List results to one tunnel type.
type Filter struct {
	VPNType    string
	ActiveOnly bool
}

// RecordSource is the uniform contract over every backing store.
type RecordSource interface {
	Name() string
	List(ctx context.Context, f Filter) ([]model.Peer, error)
	Get(ctx context.Context, name string) (model.Peer, error)
	Upsert(ctx context.Context, p model.Peer) error
	Remove(ctx context.Context, name string) error
	HealthCheck(ctx context.Context) bool
}
