// Package registry tracks the remote peers connected to a bound endpoint and
// the hosts refused admission.
package registry

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"framesock/internal/logging"
	"framesock/internal/store"
	"framesock/pkg/wire"
)

var rlog = logging.For("registry")

var blockedBucket = []byte("blocked")

// Admission is the outcome of Admit.
type Admission int

const (
	Admitted Admission = iota
	Refused            // host is on the block list
	Present            // address already registered
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Refused:
		return "refused"
	case Present:
		return "present"
	}
	return fmt.Sprintf("admission(%d)", int(a))
}

// Registry is the ordered session list plus block list of one endpoint.
// All methods are safe for concurrent use; the lock is never held across I/O
// other than the optional store write in Block and Unblock.
type Registry struct {
	mu       sync.Mutex
	sessions []wire.Address
	blocked  map[string]time.Time
	store    store.Store // nil keeps the block list in memory
}

// New returns an empty in-memory registry.
func New() *Registry {
	return &Registry{blocked: make(map[string]time.Time)}
}

// Open returns a registry whose block list is loaded from and persisted to st.
func Open(st store.Store) (*Registry, error) {
	r := New()
	if st == nil {
		return r, nil
	}
	r.store = st
	err := st.ForEach(blockedBucket, func(_, v []byte) error {
		rec, err := decodeBlockRecord(v)
		if err != nil {
			rlog.Warn("skipping block record", "err", err)
			return nil
		}
		r.blocked[rec.host] = rec.at
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading block list: %w", err)
	}
	if len(r.blocked) > 0 {
		rlog.Info("loaded block list", "count", len(r.blocked))
	}
	return r, nil
}

// Add appends addr unconditionally. Re-adding an address creates a second entry.
func (r *Registry) Add(addr wire.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, addr)
}

// Admit adds addr unless its host is blocked or it is already registered.
// Unlike Add it never creates a duplicate entry, so a repeated CONNECT from
// the same address keeps one session. The block check and the insert happen
// under one lock.
func (r *Registry) Admit(addr wire.Address) Admission {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blocked[addr.Host]; ok {
		return Refused
	}
	if slices.Contains(r.sessions, addr) {
		return Present
	}
	r.sessions = append(r.sessions, addr)
	return Admitted
}

// Remove deletes the first entry equal to addr and reports whether one existed.
func (r *Registry) Remove(addr wire.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.sessions, addr)
	if i < 0 {
		return false
	}
	r.sessions = slices.Delete(r.sessions, i, i+1)
	return true
}

// Contains reports whether addr is registered.
func (r *Registry) Contains(addr wire.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.sessions, addr)
}

// List returns a snapshot of the sessions in insertion order.
func (r *Registry) List() []wire.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sessions)
}

// Find returns the first session with an exact host match and, when port is
// non-zero, an exact port match.
func (r *Registry) Find(host string, port int) (wire.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.sessions {
		if a.Host == host && (port == 0 || a.Port == port) {
			return a, true
		}
	}
	return wire.Address{}, false
}

// Len returns the number of session entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Clear drops every session and returns the dropped entries. The block list is kept.
func (r *Registry) Clear() []wire.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sessions
	r.sessions = nil
	return out
}

// Block refuses future admission of host. Existing sessions are not affected.
func (r *Registry) Block(host string) error {
	now := time.Now()
	r.mu.Lock()
	if _, ok := r.blocked[host]; ok {
		r.mu.Unlock()
		return nil
	}
	r.blocked[host] = now
	st := r.store
	r.mu.Unlock()

	if st == nil {
		return nil
	}
	if err := st.Set(blockedBucket, []byte(host), encodeBlockRecord(blockRecord{host: host, at: now})); err != nil {
		return fmt.Errorf("persisting block of %s: %w", host, err)
	}
	return nil
}

// Unblock lifts a block. Unknown hosts are ignored.
func (r *Registry) Unblock(host string) error {
	r.mu.Lock()
	_, ok := r.blocked[host]
	delete(r.blocked, host)
	st := r.store
	r.mu.Unlock()

	if !ok || st == nil {
		return nil
	}
	if err := st.Delete(blockedBucket, []byte(host)); err != nil {
		return fmt.Errorf("persisting unblock of %s: %w", host, err)
	}
	return nil
}

// IsBlocked reports whether host is on the block list.
func (r *Registry) IsBlocked(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blocked[host]
	return ok
}

// Blocked returns the blocked hosts sorted by the time they were blocked.
func (r *Registry) Blocked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.blocked))
	for h := range r.blocked {
		hosts = append(hosts, h)
	}
	slices.SortFunc(hosts, func(a, b string) int {
		return cmp.Or(r.blocked[a].Compare(r.blocked[b]), strings.Compare(a, b))
	})
	return hosts
}
