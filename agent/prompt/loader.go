package prompt

import (
	"embed"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
)

//go:embed template/*.txt
var templates embed.FS

// Instructions returns the embedded system prompt of an agent.
func Instructions(id contractx.AgentID) (string, error) {
	raw, err := templates.ReadFile("template/" + string(id) + ".txt")
	if err != nil {
		return "", fmt.Errorf("%w: agent=%s", contractx.ErrPromptMissing, id)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", fmt.Errorf("%w: agent=%s is empty", contractx.ErrPromptMissing, id)
	}
	return text, nil
}

// MustInstructions panics when the prompt is missing. Only for the built-in agents.
func MustInstructions(id contractx.AgentID) string {
	text, err := Instructions(id)
	if err != nil {
		panic(err)
	}
	return text
}
