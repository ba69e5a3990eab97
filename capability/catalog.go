package capability

import (
	"sort"
	"sync"
)

// Catalog holds the descriptors advertised to the oracle.
type Catalog struct {
	mu    sync.RWMutex
	descs map[string]Descriptor
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{descs: make(map[string]Descriptor)}
}

// Add inserts or replaces a descriptor.
func (c *Catalog) Add(d Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.descs[d.Name] = d
}

// Remove deletes a descriptor.
func (c *Catalog) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.descs, name)
}

// Get returns the descriptor for name.
func (c *Catalog) Get(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.descs[name]

	return d, ok
}

// Descriptors returns all descriptors sorted by name.
func (c *Catalog) Descriptors() []Descriptor {
	c.mu.RLock()
	out := make([]Descriptor, 0, len(c.descs))
	for _, d := range c.descs {
		out = append(out, d)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Len returns the number of descriptors.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.descs)
}
