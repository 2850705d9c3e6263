package tool

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

	"github.com/cloudwego/eino/schema"
)

const (
	ToolSearchCIO               = "search_cio"
	ToolSearchFundsDetails      = "search_funds_details"
	ToolSearchInsurancePolicies = "search_insurance_policies"

	defaultSearchTop       = 3
	maxSearchResponseBytes = 4 << 20
)

type SearchConfig struct {
	Endpoint              string        `envconfig:"ENDPOINT" split_words:"true"`
	APIKey                string        `envconfig:"API_KEY" split_words:"true"`
	APIVersion            string        `envconfig:"API_VERSION" split_words:"true" default:"2024-07-01"`
	CIOIndex              string        `envconfig:"CIO_INDEX" split_words:"true"`
	FundsIndex            string        `envconfig:"FUNDS_INDEX" split_words:"true"`
	PoliciesIndex         string        `envconfig:"POLICIES_INDEX" split_words:"true"`
	SemanticConfiguration string        `envconfig:"SEMANTIC_CONFIGURATION" split_words:"true" default:"default"`
	VectorField           string        `envconfig:"VECTOR_FIELD" split_words:"true" default:"contentVector"`
	Timeout               time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"15s"`
}

// SearchClient queries a semantic document index over REST.
type SearchClient struct {
	endpoint   string
	apiKey     string
	apiVersion string
	semantic   string
	vector     string
	httpClient *http.Client
}

func NewSearchClient(cfg SearchConfig) (*SearchClient, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("search endpoint is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	semantic := strings.TrimSpace(cfg.SemanticConfiguration)
	if semantic == "" {
		semantic = "default"
	}
	return &SearchClient{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		apiVersion: strings.TrimSpace(cfg.APIVersion),
		semantic:   semantic,
		vector:     strings.TrimSpace(cfg.VectorField),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type searchRequest struct {
	Search                string        `json:"search"`
	QueryType             string        `json:"queryType"`
	SemanticConfiguration string        `json:"semanticConfiguration"`
	Answers               string        `json:"answers"`
	Count                 bool          `json:"count"`
	Top                   int           `json:"top"`
	VectorQueries         []vectorQuery `json:"vectorQueries,omitempty"`
}

type vectorQuery struct {
	Kind   string `json:"kind"`
	Text   string `json:"text"`
	Fields string `json:"fields"`
}

type searchResponse struct {
	Value []map[string]any `json:"value"`
}

// Search returns the top documents for query with internal fields removed.
func (c *SearchClient) Search(ctx context.Context, index, query string, top int) ([]map[string]any, error) {
	if strings.TrimSpace(index) == "" {
		return nil, errors.New("search index is not configured")
	}
	if top <= 0 {
		top = defaultSearchTop
	}

	body := searchRequest{
		Search:                query,
		QueryType:             "semantic",
		SemanticConfiguration: c.semantic,
		Answers:               fmt.Sprintf("extractive|count-%d", top),
		Count:                 true,
		Top:                   top,
	}
	if c.vector != "" {
		body.VectorQueries = []vectorQuery{{Kind: "text", Text: query, Fields: c.vector}}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/indexes/%s/docs/search", c.endpoint, url.PathEscape(index))
	if c.apiVersion != "" {
		endpoint += "?api-version=" + url.QueryEscape(c.apiVersion)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute search request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("search http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed searchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	out := make([]map[string]any, 0, len(parsed.Value))
	for _, doc := range parsed.Value {
		delete(doc, "parent_id")
		delete(doc, "chunk_id")
		if c.vector != "" {
			delete(doc, c.vector)
		}
		out = append(out, doc)
	}
	return out, nil
}

// NewSearchTool binds one index of the search service as a single-query tool.
func NewSearchTool(name, desc, queryDesc string, client *SearchClient, index string) *FunctionTool {
	return NewFunctionTool(
		name,
		desc,
		map[string]*schema.ParameterInfo{
			"query": {Type: schema.String, Desc: queryDesc, Required: true},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			if client == nil {
				return nil, NewError(CodeUnavailable, "search service is not configured")
			}
			query := StringArg(args, "query")
			docs, err := client.Search(ctx, index, query, defaultSearchTop)
			if err != nil {
				return nil, &Error{Code: CodeUnavailable, Message: "Search failed", Err: err}
			}
			return docs, nil
		},
	)
}

func NewBankingSearchTools(client *SearchClient, cfg SearchConfig) []Tool {
	return []Tool{
		NewSearchTool(
			ToolSearchCIO,
			"Search the CIO's investment research, house views and market outlook.",
			"The query to search for investment research and CIO views",
			client, cfg.CIOIndex,
		),
		NewSearchTool(
			ToolSearchFundsDetails,
			"Search details about funds and ETFs.",
			"The query to search for funds and ETFs information",
			client, cfg.FundsIndex,
		),
	}
}

func NewInsuranceSearchTools(client *SearchClient, cfg SearchConfig) []Tool {
	return []Tool{
		NewSearchTool(
			ToolSearchInsurancePolicies,
			"Search insurance products, policy wording and coverage details.",
			"The query to search for insurance policies and product information",
			client, cfg.PoliciesIndex,
		),
	}
}
