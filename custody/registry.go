package custody

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrAgreementNotFound  = errors.New("custody: agreement not found")
	ErrDuplicateAgreement = errors.New("custody: agreement already exists")
)

// Registry keeps independent agreements addressable by ID. It is safe for
// concurrent use; each agreement still serialises its own operations.
type Registry struct {
	mu         sync.RWMutex
	agreements map[string]*Agreement
}

func NewRegistry() *Registry {
	return &Registry{agreements: make(map[string]*Agreement)}
}

// Create constructs an agreement from p and stores it under id.
func (r *Registry) Create(id string, p Params) (*Agreement, error) {
	a, err := Create(p)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agreements[id]; exists {
		return nil, ErrDuplicateAgreement
	}
	r.agreements[id] = a
	return a, nil
}

func (r *Registry) Get(id string) (*Agreement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agreements[id]
	if !ok {
		return nil, ErrAgreementNotFound
	}
	return a, nil
}

// IDs returns the stored IDs in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agreements))
	for id := range r.agreements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
