package discovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/dftp-io/dftp/pkg/types"
)

// Table is the in-memory membership table of a registry node. Entries
// are keyed by node name; a secondary index guarantees no two names
// claim the same address.
type Table struct {
	mu    sync.Mutex
	nodes map[string]*types.RegistryEntry
	ips   map[string]string // ip -> name
}

// NewTable creates an empty membership table.
func NewTable() *Table {
	return &Table{
		nodes: make(map[string]*types.RegistryEntry),
		ips:   make(map[string]string),
	}
}

// Upsert registers a node or refreshes its heartbeat. A changed address
// is accepted as long as no other node holds it. The boolean reports
// whether the entry is new or its address or role changed, as opposed
// to a plain heartbeat refresh.
func (t *Table) Upsert(name, ip string, role types.Role) (*types.RegistryEntry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.nodes[name]
	if existing != nil {
		changed := existing.IP != ip || existing.Role != role
		if existing.IP != ip {
			if owner, taken := t.ips[ip]; taken && owner != name {
				return nil, false, fmt.Errorf("node ip %q already registered to %q", ip, owner)
			}
			delete(t.ips, existing.IP)
			t.ips[ip] = name
			existing.IP = ip
		}
		existing.Role = role
		existing.LastHeartbeat = time.Now().Unix()
		return copyEntry(existing), changed, nil
	}

	if owner, taken := t.ips[ip]; taken {
		return nil, false, fmt.Errorf("node ip %q already registered to %q", ip, owner)
	}
	entry := &types.RegistryEntry{
		Name:          name,
		IP:            ip,
		Role:          role,
		LastHeartbeat: time.Now().Unix(),
	}
	t.nodes[name] = entry
	t.ips[ip] = name
	return copyEntry(entry), true, nil
}

// Import inserts an entry from a peer registry, preserving its
// heartbeat timestamp. An address conflict with a different name is
// rejected.
func (t *Table) Import(entry types.RegistryEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing := t.nodes[entry.Name]; existing != nil {
		if existing.IP != entry.IP {
			if owner, taken := t.ips[entry.IP]; taken && owner != entry.Name {
				return fmt.Errorf("node ip %q already registered to %q", entry.IP, owner)
			}
			delete(t.ips, existing.IP)
			t.ips[entry.IP] = entry.Name
		}
		*existing = entry
		return nil
	}
	if owner, taken := t.ips[entry.IP]; taken {
		return fmt.Errorf("node ip %q already registered to %q", entry.IP, owner)
	}
	e := entry
	t.nodes[entry.Name] = &e
	t.ips[entry.IP] = entry.Name
	return nil
}

// Remove deletes a node by name and returns the removed entry, or nil
// if it was not present.
func (t *Table) Remove(name string) *types.RegistryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.nodes[name]
	if entry == nil {
		return nil
	}
	delete(t.nodes, name)
	delete(t.ips, entry.IP)
	return copyEntry(entry)
}

// Get returns the entry for name, or nil.
func (t *Table) Get(name string) *types.RegistryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyEntry(t.nodes[name])
}

// ByRole returns every node of the given role.
func (t *Table) ByRole(role types.Role) []types.NodeRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	var refs []types.NodeRef
	for _, e := range t.nodes {
		if e.Role == role {
			refs = append(refs, types.NodeRef{Name: e.Name, IP: e.IP})
		}
	}
	return refs
}

// All returns a snapshot of every entry.
func (t *Table) All() []types.RegistryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]types.RegistryEntry, 0, len(t.nodes))
	for _, e := range t.nodes {
		entries = append(entries, *e)
	}
	return entries
}

// Stale returns the names of nodes whose last heartbeat is older than
// timeout.
func (t *Table) Stale(timeout time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-timeout).Unix()
	var stale []string
	for name, e := range t.nodes {
		if e.LastHeartbeat < cutoff {
			stale = append(stale, name)
		}
	}
	return stale
}

// CountByRole returns the number of registered nodes per role.
func (t *Table) CountByRole() map[types.Role]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[types.Role]int)
	for _, e := range t.nodes {
		counts[e.Role]++
	}
	return counts
}

func copyEntry(e *types.RegistryEntry) *types.RegistryEntry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
