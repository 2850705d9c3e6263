package tool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"
)

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrUnknownTool   = errors.New("tool is not registered")
)

// Registry maps tool names to callables. It is filled at startup and only
// read afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	if err := r.Register(tools...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		if t == nil || t.Info() == nil {
			return errors.New("tool is nil")
		}
		name := strings.TrimSpace(t.Info().Name)
		if name == "" {
			return errors.New("tool name is empty")
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		r.tools[name] = t
	}
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Resolve returns the tools for names in the given order.
func (r *Registry) Resolve(names []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Registry) Infos(names []string) ([]*schema.ToolInfo, error) {
	tools, err := r.Resolve(names)
	if err != nil {
		return nil, err
	}
	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, t.Info())
	}
	return infos, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
