package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownModel = errors.New("ai: unknown model")

// Options are passed to a ProviderFactory per turn. APIKey is set only when
// the caller brought their own upstream credential.
type Options struct {
	Model  string
	APIKey string
}

type ProviderFactory func(ctx context.Context, opts Options) (Provider, error)

// Model maps a client-facing model id onto a provider and upstream model.
type Model struct {
	ID        string
	Provider  string
	Upstream  string
	Reasoning bool
}

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	models    map[string]Model
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		models:    make(map[string]Model),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) AddModel(m Model) {
	m.ID = normalize(m.ID)
	m.Provider = normalize(m.Provider)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
}

// Models lists the catalog sorted by id.
func (r *Registry) Models() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Get(ctx context.Context, name string, opts Options) (Provider, error) {
	name = normalize(name)
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, opts)
}

// Has reports whether modelID is in the catalog.
func (r *Registry) Has(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[normalize(modelID)]
	return ok
}

// Resolve looks up a catalog model and builds its provider.
func (r *Registry) Resolve(ctx context.Context, modelID, apiKey string) (Provider, Model, error) {
	r.mu.RLock()
	m, ok := r.models[normalize(modelID)]
	r.mu.RUnlock()
	if !ok {
		return nil, Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	p, err := r.Get(ctx, m.Provider, Options{Model: m.Upstream, APIKey: apiKey})
	if err != nil {
		return nil, Model{}, err
	}
	return p, m, nil
}
