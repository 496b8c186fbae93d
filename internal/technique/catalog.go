package technique

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog is the thread-safe registry of primitives and their handler
// bindings. Definitions and bindings are kept separate: a primitive may be
// registered (so compositions referencing it validate and evolve) before a
// handler is bound for the current process.
type Catalog struct {
	mu         sync.RWMutex
	primitives map[string]Primitive
	handlers   map[string]Handler
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		primitives: make(map[string]Primitive),
		handlers:   make(map[string]Handler),
	}
}

// Register adds a primitive definition. Re-registering an existing ID is
// rejected; primitives are immutable once registered.
func (c *Catalog) Register(p Primitive) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("registering primitive: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.primitives[p.ID]; exists {
		return fmt.Errorf("registering primitive %q: %w", p.ID, ErrDuplicatePrimitive)
	}
	c.primitives[p.ID] = p
	return nil
}

// Bind attaches a handler to a registered primitive. Re-binding replaces the
// previous handler; definitions stay immutable, bindings are per-process.
func (c *Catalog) Bind(id string, h Handler) error {
	if h == nil {
		return fmt.Errorf("binding primitive %q: handler cannot be nil", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.primitives[id]; !exists {
		return fmt.Errorf("binding primitive %q: %w", id, ErrPrimitiveNotFound)
	}
	c.handlers[id] = h
	return nil
}

// Get returns the primitive definition for id.
func (c *Catalog) Get(id string) (Primitive, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.primitives[id]
	return p, ok
}

// Has reports whether id is a registered primitive.
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.primitives[id]
	return ok
}

// Resolve returns the definition and bound handler for id. An unknown ID and
// a registered-but-unbound primitive are distinct errors so the engine can
// report them differently.
func (c *Catalog) Resolve(id string) (Primitive, Handler, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.primitives[id]
	if !ok {
		return Primitive{}, nil, fmt.Errorf("resolving primitive %q: %w", id, ErrPrimitiveNotFound)
	}
	h, ok := c.handlers[id]
	if !ok {
		return p, nil, fmt.Errorf("resolving primitive %q: %w", id, ErrHandlerNotBound)
	}
	return p, h, nil
}

// List returns all registered primitives sorted by ID.
func (c *Catalog) List() []Primitive {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Primitive, 0, len(c.primitives))
	for _, p := range c.primitives {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered primitives.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.primitives)
}
