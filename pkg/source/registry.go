package source

import (
	"context"
	"fmt"

	"github.com/mmkash-web/wireguard/pkg/model"
)

// Registry merges peer views from an ordered list of record sources.
// Precedence is positional: the first source that produces a peer wins
// that peer entirely; later sources only contribute names not yet seen.
type Registry struct {
	sources []RecordSource
}

func NewRegistry(sources ...RecordSource) *Registry {
	return &Registry{sources: sources}
}

// Sources returns the precedence-ordered source list.
func (r *Registry) Sources() []RecordSource { return r.sources }

// Merge builds the de-duplicated fleet view. A peer is the same peer
// when either its name or its public key was already seen, which
// tolerates inconsistent naming across stores. Unreachable sources are
// reported as warnings and contribute nothing.
//
// Given identical source contents the result order and source
// attribution are identical on every call.
func (r *Registry) Merge(ctx context.Context, f Filter) ([]model.Peer, []string) {
	var merged []model.Peer
	var warnings []string
	seenName := make(map[string]struct{})
	seenKey := make(map[string]struct{})

	for _, src := range r.sources {
		peers, err := src.List(ctx, f)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("source %s skipped: %v", src.Name(), err))
			continue
		}
		for _, p := range peers {
			if _, ok := seenName[p.Name]; ok {
				continue
			}
			if p.PublicKey != "" {
				if _, ok := seenKey[p.PublicKey]; ok {
					continue
				}
			}
			p.Source = src.Name()
			seenName[p.Name] = struct{}{}
			if p.PublicKey != "" {
				seenKey[p.PublicKey] = struct{}{}
			}
			merged = append(merged, p)
		}
	}
	return merged, warnings
}
