package strategy

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry holds compiled strategies keyed by id and name. Strategies are
// registered once at startup and evaluated independently; a strategy never
// mutates another's state.
type Registry struct {
	mu     sync.RWMutex
	byID   map[int]*Compiled
	byName map[string]*Compiled
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[int]*Compiled),
		byName: make(map[string]*Compiled),
	}
}

// Register adds a compiled strategy, replacing any previous entry with the
// same id or name.
func (r *Registry) Register(c *Compiled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.Def.ID] = c
	r.byName[c.Def.Name] = c
}

// RegisterDocuments parses, compiles, and registers a batch of raw JSON
// strategy documents. Documents that fail compilation are skipped with a
// warning; the error of the first failure is returned alongside the count
// so the caller can decide whether a partial registry is acceptable.
func (r *Registry) RegisterDocuments(docs [][]byte, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var firstErr error
	count := 0
	for i, raw := range docs {
		def, err := Parse(raw)
		if err == nil {
			var c *Compiled
			c, err = def.Compile()
			if err == nil {
				r.Register(c)
				count++
				continue
			}
		}
		logger.Warn("rejecting strategy document", "index", i, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	logger.Info("registered strategies", "count", count, "rejected", len(docs)-count)
	return count, firstErr
}

// Get returns a strategy by id, or nil.
func (r *Registry) Get(id int) *Compiled {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// GetByName returns a strategy by name, or nil.
func (r *Registry) GetByName(name string) *Compiled {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// All returns enabled strategies sorted by id.
func (r *Registry) All() []*Compiled {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Compiled, 0, len(r.byID))
	for _, c := range r.byID {
		if c.Def.Enabled {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Def.ID < out[j].Def.ID })
	return out
}

// Count returns the number of registered strategies, enabled or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
