package breaker

import (
	"sort"
	"sync"
)

// Group lazily creates one breaker per upstream name, typically an ad-server host
type Group struct {
	config Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewGroup creates a group whose breakers share config
func NewGroup(config Config) *Group {
	return &Group{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use
func (g *Group) Get(name string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[name]; ok {
		return b
	}
	b = New(name, g.config)
	g.breakers[name] = b
	return b
}

// Execute runs fn through the named breaker
func (g *Group) Execute(name string, fn func() error) error {
	return g.Get(name).Execute(fn)
}

// Stats returns a snapshot of every breaker, sorted by name
func (g *Group) Stats() []Stats {
	g.mu.RLock()
	out := make([]Stats, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, b.Stats())
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
