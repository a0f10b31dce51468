package routing

import (
	"errors"
	"sync"
	"sync/atomic"

	"sentinel-gw/sentinel/pkg/registry"
)

// ErrNoUpstreams is returned when a group has no eligible upstream.
// The proxy maps it to a 503 without attempting a connection.
var ErrNoUpstreams = errors.New("no eligible upstream in group")

// Selector picks upstreams per group using round-robin, honoring weights
// when any upstream carries one above the default. It is safe for
// concurrent use; one Selector lives per configuration snapshot so
// counters reset on reload.
type Selector struct {
	counters sync.Map // group name -> *atomic.Uint64
}

// NewSelector creates an empty selector.
func NewSelector() *Selector {
	return &Selector{}
}

// Pick returns the next upstream for the group out of the eligible set.
// The eligible slice comes from the registry's copy-on-write view and is
// already filtered of Unhealthy instances.
func (s *Selector) Pick(group string, eligible []registry.Upstream) (registry.Upstream, error) {
	if len(eligible) == 0 {
		return registry.Upstream{}, ErrNoUpstreams
	}
	if len(eligible) == 1 {
		return eligible[0], nil
	}

	candidates := expandWeights(eligible)

	v, _ := s.counters.LoadOrStore(group, new(atomic.Uint64))
	counter := v.(*atomic.Uint64)
	n := counter.Add(1) - 1

	return candidates[n%uint64(len(candidates))], nil
}

// expandWeights repeats each upstream Weight times so the modulo walk
// becomes weighted round-robin. With all weights at 1 this is plain
// round-robin over the original slice.
func expandWeights(eligible []registry.Upstream) []registry.Upstream {
	weighted := false
	for _, u := range eligible {
		if u.Weight > 1 {
			weighted = true
			break
		}
	}
	if !weighted {
		return eligible
	}

	var out []registry.Upstream
	for _, u := range eligible {
		w := u.Weight
		if w < 1 {
			w = 1
		}
		for i := 0; i < w; i++ {
			out = append(out, u)
		}
	}
	return out
}
