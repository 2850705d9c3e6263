package llm

import (
	"errors"
	"testing"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
)

func TestModelForPrecedence(t *testing.T) {
	t.Parallel()

	c := Config{
		Model:             "openai/gpt-4o-mini",
		Temperature:       0.5,
		AgentModels:       map[string]string{"bank-cio-agent": "openai/gpt-4o"},
		AgentTemperatures: map[string]float32{"bank-cio-agent": 0.1},
	}

	if got := c.ModelFor(contractx.AgentDefinition{ID: "bank-crm-agent"}); got != "openai/gpt-4o-mini" {
		t.Fatalf("default model = %s", got)
	}
	if got := c.ModelFor(contractx.AgentDefinition{ID: "bank-cio-agent"}); got != "openai/gpt-4o" {
		t.Fatalf("env override = %s", got)
	}
	if got := c.ModelFor(contractx.AgentDefinition{ID: "bank-cio-agent", Model: "anthropic/claude-sonnet-4"}); got != "anthropic/claude-sonnet-4" {
		t.Fatalf("definition override = %s", got)
	}

	or := c.OpenRouterFor(contractx.AgentDefinition{ID: "bank-cio-agent"})
	if or.Temperature != 0.1 || or.Model != "openai/gpt-4o" {
		t.Fatalf("unexpected openrouter config: %#v", or)
	}
}

func TestAnthropicForDropsOpenRouterBase(t *testing.T) {
	t.Parallel()

	c := Config{Provider: "anthropic", BaseURL: "https://openrouter.ai/api/v1", APIKey: "k", Model: "claude-sonnet-4-5", MaxCompletionToken: 1000}
	conf := c.AnthropicFor(contractx.AgentDefinition{ID: "ins-crm-agent"})
	if conf.BaseURL != "" || conf.MaxTokens != 1000 || conf.Model != "claude-sonnet-4-5" {
		t.Fatalf("unexpected anthropic config: %#v", conf)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []Config{
		{Provider: "openrouter", Model: "m"},
		{Provider: "openrouter", APIKey: "k"},
		{Provider: "bedrock", APIKey: "k", Model: "m"},
	}
	for _, c := range cases {
		if err := c.Validate(); !errors.Is(err, contractx.ErrValidation) {
			t.Fatalf("Validate(%#v) = %v, want validation error", c, err)
		}
	}
	if err := (Config{Provider: "Anthropic", APIKey: "k", Model: "m"}).Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
