package server

import (
	"errors"
	"sort"
	"sync"

	"chatrelay/dispatch"
)

// ErrUsernameTaken indicates another live client holds the username.
var ErrUsernameTaken = errors.New("server: username already taken")

// Registry maps recipient keys to live clients. Clients are keyed by remote
// address until they are named, then by username.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*Client
	named map[string]*Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[string]*Client),
		named: make(map[string]*Client),
	}
}

// Register adds an unnamed client under its address key.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[c.Address().String()] = c
}

// RegisterNamed re-keys c under username.
func (r *Registry) RegisterNamed(username string, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.named[username]; ok && existing != c {
		return ErrUsernameTaken
	}
	if addr := c.Address().String(); r.byKey[addr] == c {
		delete(r.byKey, addr)
	}
	r.byKey[username] = c
	r.named[username] = c
	c.setNamed(username)
	return nil
}

// Unregister removes every key held by c.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if addr := c.Address().String(); r.byKey[addr] == c {
		delete(r.byKey, addr)
	}
	if name := c.Username(); name != "" {
		if r.byKey[name] == c {
			delete(r.byKey, name)
		}
		if r.named[name] == c {
			delete(r.named, name)
		}
	}
}

// Resolve returns the live connection for a recipient key.
func (r *Registry) Resolve(key string) (dispatch.Conn, bool) {
	c, ok := r.Lookup(key)
	if !ok {
		return nil, false
	}
	return c, true
}

// Lookup returns the client registered under key.
func (r *Registry) Lookup(key string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byKey[key]
	return c, ok
}

// Names returns the usernames of every named client, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.named))
	for name := range r.named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
