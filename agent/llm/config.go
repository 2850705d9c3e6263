package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	anthropicx "github.com/tanpawarit/moneta-advisor/pkg/anthropic"
	openrouterx "github.com/tanpawarit/moneta-advisor/pkg/openrouter"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
)

type Config struct {
	Provider           string        `envconfig:"PROVIDER" split_words:"true" default:"openrouter"`
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	// AgentModels and AgentTemperatures override the defaults per agent id,
	// e.g. LLM_AGENT_MODELS=bank-cio-agent:openai/gpt-4o.
	AgentModels       map[string]string  `envconfig:"AGENT_MODELS" split_words:"true"`
	AgentTemperatures map[string]float32 `envconfig:"AGENT_TEMPERATURES" split_words:"true"`
}

func (c Config) Validate() error {
	switch c.provider() {
	case ProviderOpenRouter, ProviderAnthropic:
	default:
		return fmt.Errorf("%w: unknown llm provider %q", contractx.ErrValidation, c.Provider)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: llm api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	return nil
}

func (c Config) provider() string {
	return strings.ToLower(strings.TrimSpace(c.Provider))
}

// ModelFor resolves the model name: the definition's own model, then the
// per-agent env override, then the default.
func (c Config) ModelFor(def contractx.AgentDefinition) string {
	if v := strings.TrimSpace(def.Model); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.AgentModels[string(def.ID)]); v != "" {
		return v
	}
	return strings.TrimSpace(c.Model)
}

func (c Config) TemperatureFor(id contractx.AgentID) float32 {
	if v, ok := c.AgentTemperatures[string(id)]; ok && v >= 0 {
		return v
	}
	return c.Temperature
}

func (c Config) OpenRouterFor(def contractx.AgentDefinition) openrouterx.Config {
	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              c.ModelFor(def),
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        c.TemperatureFor(def.ID),
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}

func (c Config) AnthropicFor(def contractx.AgentDefinition) anthropicx.Config {
	base := strings.TrimSpace(c.BaseURL)
	if strings.Contains(base, "openrouter.ai") {
		base = ""
	}
	return anthropicx.Config{
		BaseURL:     base,
		APIKey:      strings.TrimSpace(c.APIKey),
		Model:       c.ModelFor(def),
		MaxTokens:   int64(c.MaxCompletionToken),
		Temperature: c.TemperatureFor(def.ID),
		Timeout:     c.Timeout,
		MaxRetries:  2,
	}
}

// NewChatModel creates the chat model of one agent on the configured provider.
func (c Config) NewChatModel(ctx context.Context, def contractx.AgentDefinition) (einomodel.ToolCallingChatModel, error) {
	switch c.provider() {
	case ProviderAnthropic:
		conf := c.AnthropicFor(def)
		return conf.New(ctx)
	default:
		conf := c.OpenRouterFor(def)
		return conf.New(ctx)
	}
}
