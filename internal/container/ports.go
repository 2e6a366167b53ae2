package container

import (
	"sync"

	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// PortAllocator hands out host ports sequentially from a base. Assignments
// survive restarts because the lifecycle manager seeds the allocator from
// persisted agent records at boot.
type PortAllocator struct {
	mu   sync.Mutex
	base int
	used map[int]bool
}

// NewPortAllocator creates an allocator starting at base.
func NewPortAllocator(base int) *PortAllocator {
	return &PortAllocator{
		base: base,
		used: make(map[int]bool),
	}
}

// Seed marks ports already assigned to existing agents.
func (a *PortAllocator) Seed(ports []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		if p > 0 {
			a.used[p] = true
		}
	}
}

// Allocate returns the lowest free port at or above the base.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.base; p < a.base+10000; p++ {
		if !a.used[p] {
			a.used[p] = true
			return p, nil
		}
	}
	return 0, v1.NewError(v1.KindInternal, "port range exhausted from base %d", a.base)
}

// Release frees a port for reuse.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}
