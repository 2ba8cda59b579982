package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callguard/pkg/errorsx"
)

var (
	ErrDuplicateCall = errorsx.New("call already has an active relay", errorsx.ReasonDuplicateCall)
	ErrDraining      = errorsx.New("relay registry is draining", errorsx.ReasonDraining)
	ErrNotFound      = errors.New("relay not found")
)

// Registry maps call identifiers to their active relay. At most one relay
// is registered per call.
type Registry struct {
	relays   sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(callID string, rl *Relay) error {
	if r.draining.Load() {
		return ErrDraining
	}
	if _, loaded := r.relays.LoadOrStore(callID, rl); loaded {
		return ErrDuplicateCall
	}
	r.count.Add(1)
	return nil
}

// Unregister removes whatever relay is registered under callID.
// Idempotent.
func (r *Registry) Unregister(callID string) bool {
	if _, ok := r.relays.LoadAndDelete(callID); ok {
		r.count.Add(-1)
		return true
	}
	return false
}

// release removes rl only if it is still the registered relay for callID,
// so a finished relay can never evict a newer one.
func (r *Registry) release(callID string, rl *Relay) bool {
	if r.relays.CompareAndDelete(callID, rl) {
		r.count.Add(-1)
		return true
	}
	return false
}

func (r *Registry) Lookup(callID string) (*Relay, error) {
	if v, ok := r.relays.Load(callID); ok {
		return v.(*Relay), nil
	}
	return nil, ErrNotFound
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

// Snapshot returns the active relays ordered by call identifier.
func (r *Registry) Snapshot() []*Relay {
	var out []*Relay
	r.relays.Range(func(_, value any) bool {
		out = append(out, value.(*Relay))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CallID() < out[j].CallID() })
	return out
}

// CloseAll cancels every active relay. Relays unregister themselves as they
// finish tearing down.
func (r *Registry) CloseAll() {
	r.relays.Range(func(_, value any) bool {
		value.(*Relay).Close()
		return true
	})
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
