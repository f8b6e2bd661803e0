package registry

import "sync"

// GroupCache maps runner group names to provider-side group ids so repeated
// provisioning within a process lifetime avoids redundant creation calls.
// It is not authoritative: GitHub is the source of truth, and entries are
// forgotten when the last record referencing a group is cleaned up.
type GroupCache struct {
	mu     sync.Mutex
	groups map[string]string
}

// NewGroupCache creates an empty cache.
func NewGroupCache() *GroupCache {
	return &GroupCache{groups: make(map[string]string)}
}

// Get returns the cached id for name.
func (c *GroupCache) Get(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.groups[name]
	return id, ok
}

// Put records the id for name.
func (c *GroupCache) Put(name, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[name] = id
}

// Forget drops the entry for name, if any.
func (c *GroupCache) Forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, name)
}

// Len returns the number of cached groups.
func (c *GroupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

// Snapshot returns a copy of the cache contents for status reporting.
func (c *GroupCache) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.groups))
	for k, v := range c.groups {
		out[k] = v
	}
	return out
}
