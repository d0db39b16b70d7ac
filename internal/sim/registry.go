package sim

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrModelExists     = errors.New("sim: model already exists")
	ErrModelNil        = errors.New("sim: model is nil")
	ErrInvalidMetadata = errors.New("sim: invalid model metadata")
)

// Registry stores models by stable identifier.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Model
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Model)}
}

// DefaultRegistry holds the built-in models.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(ReportModel{})
	_ = r.Register(GrowthModel{})
	return r
}

// ValidateMetadata checks required metadata fields and id format.
func ValidateMetadata(meta ModelMetadata) error {
	id := strings.TrimSpace(meta.ID)
	if id == "" || strings.TrimSpace(meta.Name) == "" {
		return fmt.Errorf("%w: id and name are required", ErrInvalidMetadata)
	}
	if !isValidID(id) {
		return fmt.Errorf("%w: invalid id format %q", ErrInvalidMetadata, id)
	}
	return nil
}

func (r *Registry) Register(m Model) error {
	if m == nil {
		return ErrModelNil
	}
	meta := m.Metadata()
	if err := ValidateMetadata(meta); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[meta.ID]; ok {
		return fmt.Errorf("%w: %s", ErrModelExists, meta.ID)
	}
	r.items[meta.ID] = m
	return nil
}

func (r *Registry) Resolve(id string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.items[id]
	return m, ok
}

// ListMetadata returns deterministic metadata ordering by id.
func (r *Registry) ListMetadata() []ModelMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]ModelMetadata, 0, len(r.items))
	for _, m := range r.items {
		list = append(list, m.Metadata())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

func isValidID(id string) bool {
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(id)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return id != ""
}
