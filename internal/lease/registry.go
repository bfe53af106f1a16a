package lease

import (
	"sort"
	"strings"
	"sync"
)

// Lease ties a client identity to the firewall address object that grants it
// access.
type Lease struct {
	ClientID     string `json:"client_id"`
	ResourceName string `json:"resource_name"`
}

// Registry is the authoritative set of active leases. A client is present iff
// its address object is (believed to be) a member of the allow group.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Lease
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Lease),
	}
}

func (r *Registry) Lookup(clientID string) (Lease, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lease, ok := r.entries[strings.TrimSpace(clientID)]
	return lease, ok
}

// Put inserts or overwrites the lease for clientID.
func (r *Registry) Put(clientID, resourceName string) Lease {
	clientID = strings.TrimSpace(clientID)
	lease := Lease{ClientID: clientID, ResourceName: resourceName}

	r.mu.Lock()
	r.entries[clientID] = lease
	r.mu.Unlock()
	return lease
}

// Remove deletes the lease and returns what was removed.
func (r *Registry) Remove(clientID string) (Lease, bool) {
	clientID = strings.TrimSpace(clientID)

	r.mu.Lock()
	defer r.mu.Unlock()
	lease, ok := r.entries[clientID]
	if !ok {
		return Lease{}, false
	}
	delete(r.entries, clientID)
	return lease, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns all leases ordered by client id.
func (r *Registry) List() []Lease {
	r.mu.RLock()
	leases := make([]Lease, 0, len(r.entries))
	for _, lease := range r.entries {
		leases = append(leases, lease)
	}
	r.mu.RUnlock()

	sort.Slice(leases, func(i, j int) bool {
		return leases[i].ClientID < leases[j].ClientID
	})
	return leases
}
