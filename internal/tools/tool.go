// Package tools holds the tool providers a model may call during a turn and
// the executor that runs them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/suPer8Hu/turn-gateway/internal/ai"
)

// Provider is one callable tool.
type Provider interface {
	Name() string
	Description() string
	// Schema is the JSON schema of the tool input.
	Schema() json.RawMessage
	// NeedsApproval gates execution on an explicit user decision.
	NeedsApproval() bool
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

var (
	ErrUnknownTool  = errors.New("tools: unknown tool")
	ErrInvalidInput = errors.New("tools: invalid input")
)

type entry struct {
	provider Provider
	schema   *jsonschema.Schema
}

// Registry holds every tool the gateway knows, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register compiles the provider's schema and adds it. Duplicate names fail.
func (r *Registry) Register(p Provider) error {
	name := p.Name()
	compiled, err := jsonschema.CompileString(name+".schema.json", string(p.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tools: %s already registered", name)
	}
	r.tools[name] = entry{provider: p, schema: compiled}
	return nil
}

func (r *Registry) MustRegister(p Provider) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Set snapshots the named tools for one turn. No names selects every tool;
// unknown names are skipped.
func (r *Registry) Set(names ...string) *Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := &Set{tools: make(map[string]entry)}
	if len(names) == 0 {
		for n, e := range r.tools {
			s.tools[n] = e
		}
		return s
	}
	for _, n := range names {
		if e, ok := r.tools[n]; ok {
			s.tools[n] = e
		}
	}
	return s
}

// Set is the immutable tool set available to one turn. A nil Set offers no tools.
type Set struct {
	tools map[string]entry
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

func (s *Set) Lookup(name string) (Provider, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.tools[name]
	return e.provider, ok
}

// Specs describes the set to the model, sorted by name.
func (s *Set) Specs() []ai.ToolSpec {
	if s == nil {
		return nil
	}
	out := make([]ai.ToolSpec, 0, len(s.tools))
	for _, e := range s.tools {
		out = append(out, ai.ToolSpec{
			Name:        e.provider.Name(),
			Description: e.provider.Description(),
			Parameters:  e.provider.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks input against the named tool's schema.
func (s *Set) Validate(name string, input json.RawMessage) error {
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	e, ok := s.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	var decoded any
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
