// Package agentregistry is a REST client for a versioned remote agent
// registry. An agent is a name with an ordered list of immutable versions;
// each version bakes a model, instructions and tool schemas.
package agentregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	KindPrompt   = "prompt"
	ToolFunction = "function"

	maxResponseBytes = 4 << 20
)

var (
	ErrNotConfigured   = errors.New("agent registry endpoint is not configured")
	ErrNotFound        = errors.New("agent not found in registry")
	ErrVersionNotFound = errors.New("agent version not found in registry")
)

type Config struct {
	Endpoint        string        `envconfig:"ENDPOINT" split_words:"true"`
	APIKey          string        `envconfig:"API_KEY" split_words:"true"`
	APIVersion      string        `envconfig:"API_VERSION" split_words:"true" default:"v1"`
	Timeout         time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	Version         string        `envconfig:"VERSION" split_words:"true"`
	ForceNewVersion bool          `envconfig:"FORCE_NEW_VERSION" split_words:"true"`
}

type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Definition struct {
	Kind         string           `json:"kind"`
	Model        string           `json:"model"`
	Instructions string           `json:"instructions"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
}

// ToolNames lists the names of the baked tools in definition order.
func (d Definition) ToolNames() []string {
	out := make([]string, 0, len(d.Tools))
	for _, t := range d.Tools {
		out = append(out, t.Name)
	}
	return out
}

type Version struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Description string     `json:"description,omitempty"`
	Definition  Definition `json:"definition"`
	CreatedAt   int64      `json:"created_at,omitempty"`
}

type Agent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Versions struct {
		Latest *Version `json:"latest"`
	} `json:"versions"`
}

type listResponse struct {
	Data []Agent `json:"data"`
}

type createVersionRequest struct {
	Description string     `json:"description,omitempty"`
	Definition  Definition `json:"definition"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Client struct {
	endpoint   string
	apiKey     string
	apiVersion string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid agent registry endpoint: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		apiVersion: strings.TrimSpace(cfg.APIVersion),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Client) List(ctx context.Context) ([]Agent, error) {
	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Get returns ErrNotFound when no agent has this name.
func (c *Client) Get(ctx context.Context, name string) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(name), nil, &out)
	if err != nil {
		return Agent{}, err
	}
	return out, nil
}

func (c *Client) GetVersion(ctx context.Context, name, version string) (Version, error) {
	var out Version
	err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(name)+"/versions/"+url.PathEscape(version), nil, &out)
	if errors.Is(err, ErrNotFound) {
		return Version{}, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, version)
	}
	if err != nil {
		return Version{}, err
	}
	return out, nil
}

// CreateVersion appends a new immutable version; the agent is created on first use.
func (c *Client) CreateVersion(ctx context.Context, name, description string, def Definition) (Version, error) {
	if def.Kind == "" {
		def.Kind = KindPrompt
	}
	var out Version
	err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(name)+"/versions", createVersionRequest{
		Description: description,
		Definition:  def,
	}, &out)
	if err != nil {
		return Version{}, err
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(name), nil, nil)
}

func (c *Client) DeleteVersion(ctx context.Context, name, version string) error {
	err := c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(name)+"/versions/"+url.PathEscape(version), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, version)
	}
	return err
}

type EnsureRequest struct {
	Name        string
	Description string
	Definition  Definition
	// Version pins an existing version. It must exist.
	Version string
	// ForceNew always creates a new version.
	ForceNew bool
}

// Ensure resolves the version an agent runs on. A pinned version wins, then
// the latest existing version, and a new version is created otherwise. The
// second return value reports whether an existing version was reused.
func (c *Client) Ensure(ctx context.Context, req EnsureRequest) (Version, bool, error) {
	if strings.TrimSpace(req.Name) == "" {
		return Version{}, false, errors.New("agent name is required")
	}
	if req.ForceNew {
		v, err := c.CreateVersion(ctx, req.Name, req.Description, req.Definition)
		return v, false, err
	}
	if pinned := strings.TrimSpace(req.Version); pinned != "" {
		v, err := c.GetVersion(ctx, req.Name, pinned)
		return v, err == nil, err
	}

	agent, err := c.Get(ctx, req.Name)
	switch {
	case err == nil && agent.Versions.Latest != nil:
		return *agent.Versions.Latest, true, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return Version{}, false, err
	}
	v, err := c.CreateVersion(ctx, req.Name, req.Description, req.Definition)
	return v, false, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal registry request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.endpoint + path
	if c.apiVersion != "" {
		endpoint += "?api-version=" + url.QueryEscape(c.apiVersion)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute registry request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read registry response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error.Message != "" {
			return fmt.Errorf("agent registry %s %s: status=%d code=%s: %s", method, path, resp.StatusCode, e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("agent registry %s %s: status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode registry response: %w", err)
	}
	return nil
}
