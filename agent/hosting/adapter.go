// Package hosting turns an agent set into running specialists. Both modes
// share the router, the tool executor and the specialist loop; they differ in
// where an agent's definition lives and which model client runs it.
package hosting

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	"github.com/tanpawarit/moneta-advisor/agent/handoff"
	toolx "github.com/tanpawarit/moneta-advisor/agent/tool"
)

type Mode string

const (
	ModeEphemeral Mode = "ephemeral"
	ModeHosted    Mode = "hosted"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeEphemeral:
		return ModeEphemeral, nil
	case ModeHosted:
		return ModeHosted, nil
	default:
		return "", fmt.Errorf("%w: unknown hosting mode %q", contractx.ErrValidation, s)
	}
}

// Adapter builds the specialists of one agent set.
type Adapter interface {
	Mode() Mode
	Build(ctx context.Context, set contractx.AgentSet) (map[contractx.AgentID]contractx.Specialist, error)
}

// registerHandoffTools adds the handoff callables of set that the registry
// does not hold yet.
func registerHandoffTools(registry *toolx.Registry, set contractx.AgentSet) error {
	for _, t := range handoff.Tools(set) {
		if _, ok := registry.Lookup(t.Info().Name); ok {
			continue
		}
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Info().Name, err)
		}
	}
	return nil
}
