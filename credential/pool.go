package credential

import (
	"fmt"
	"sync"
)

// Pool holds the credentials usable for one provider type. Insertion order is
// preserved; strategies depend on it.
type Pool struct {
	provider string

	mu    sync.RWMutex
	order []string
	byID  map[string]*Credential
}

// NewPool creates an empty pool for provider.
func NewPool(provider string) *Pool {
	return &Pool{
		provider: provider,
		byID:     make(map[string]*Credential),
	}
}

// Provider returns the provider type the pool serves.
func (p *Pool) Provider() string { return p.provider }

// Add inserts c. It fails with ErrDuplicate if the id is already present.
func (p *Pool) Add(c *Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byID[c.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.ID)
	}
	stored := c.Clone()
	stored.Provider = p.provider
	p.byID[c.ID] = stored
	p.order = append(p.order, c.ID)
	return nil
}

// Remove deletes the credential with the given id.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byID[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(p.byID, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of the credential with the given id.
func (p *Pool) Get(id string) (*Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// List returns copies of every credential in insertion order.
func (p *Pool) List() []*Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Credential, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id].Clone())
	}
	return out
}

// IDs returns the credential ids in insertion order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Has reports whether id is a member of the pool.
func (p *Pool) Has(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byID[id]
	return ok
}

// Update applies fn to the stored credential under the pool lock. fn must not
// block or call back into the pool.
func (p *Pool) Update(id string, fn func(c *Credential)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(c)
	return nil
}

// SetDisabled flips the administrative disabled flag.
func (p *Pool) SetDisabled(id string, disabled bool) error {
	return p.Update(id, func(c *Credential) { c.Disabled = disabled })
}

// SetData replaces the credential payload, e.g. after a token refresh.
func (p *Pool) SetData(id string, data Data) error {
	return p.Update(id, func(c *Credential) { c.Data = data })
}
