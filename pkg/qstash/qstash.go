package qstash

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("qstash signature is invalid")
	ErrNoDestination    = errors.New("qstash destination is required")
)

type Config struct {
	URL               string        `split_words:"true" default:"https://qstash.upstash.io"`
	Token             string        `split_words:"true"`
	CurrentSigningKey string        `split_words:"true"`
	NextSigningKey    string        `split_words:"true"`
	Destination       string        `split_words:"true"`
	Retries           int           `split_words:"true" default:"3"`
	Timeout           time.Duration `split_words:"true" default:"10s"`
}

// Enabled reports whether turn events should be published.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Token) != "" && strings.TrimSpace(c.Destination) != ""
}

type Client struct {
	baseURL           string
	token             string
	currentSigningKey string
	nextSigningKey    string
	retries           int
	httpClient        *http.Client
	now               func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("qstash url is required")
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		token:             strings.TrimSpace(cfg.Token),
		currentSigningKey: strings.TrimSpace(cfg.CurrentSigningKey),
		nextSigningKey:    strings.TrimSpace(cfg.NextSigningKey),
		retries:           cfg.Retries,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}

	return client, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

type PublishOptions struct {
	DeduplicationID string
}

type publishResponse struct {
	MessageID string `json:"messageId"`
}

// Publish enqueues body for delivery to destination and returns the message id.
func (c *Client) Publish(ctx context.Context, destination string, body []byte, opts PublishOptions) (string, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return "", ErrNoDestination
	}

	endpoint := c.baseURL + "/v2/publish/" + destination
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build qstash request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if opts.DeduplicationID != "" {
		req.Header.Set("Upstash-Deduplication-Id", opts.DeduplicationID)
	}
	if c.retries >= 0 {
		req.Header.Set("Upstash-Retries", strconv.Itoa(c.retries))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute qstash request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read qstash response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("qstash http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var out publishResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode qstash response: %w", err)
	}
	return out.MessageID, nil
}

// PublishJSON marshals v and publishes it.
func (c *Client) PublishJSON(ctx context.Context, destination string, v any, opts PublishOptions) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal qstash payload: %w", err)
	}
	return c.Publish(ctx, destination, body, opts)
}

type signatureClaims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
	NotBefore int64  `json:"nbf"`
	Body      string `json:"body"`
}

// Verify checks the Upstash-Signature of a delivered message against the
// current signing key, then the next one.
func (c *Client) Verify(signature string, body []byte, destinationURL string) error {
	var errs []error
	for _, key := range []string{c.currentSigningKey, c.nextSigningKey} {
		if key == "" {
			continue
		}
		err := c.verifyWithKey(key, signature, body, destinationURL)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return fmt.Errorf("%w: no signing key configured", ErrInvalidSignature)
	}
	return errors.Join(errs...)
}

func (c *Client) verifyWithKey(key, token string, body []byte, destinationURL string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: malformed token", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	want := mac.Sum(nil)
	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(want, got) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}

	rawClaims, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("%w: claims encoding: %v", ErrInvalidSignature, err)
	}
	var claims signatureClaims
	if err := json.Unmarshal(rawClaims, &claims); err != nil {
		return fmt.Errorf("%w: claims: %v", ErrInvalidSignature, err)
	}

	now := c.now().Unix()
	switch {
	case claims.Issuer != "Upstash":
		return fmt.Errorf("%w: issuer %q", ErrInvalidSignature, claims.Issuer)
	case destinationURL != "" && claims.Subject != destinationURL:
		return fmt.Errorf("%w: subject %q", ErrInvalidSignature, claims.Subject)
	case claims.ExpiresAt != 0 && now > claims.ExpiresAt:
		return fmt.Errorf("%w: token expired", ErrInvalidSignature)
	case claims.NotBefore != 0 && now < claims.NotBefore:
		return fmt.Errorf("%w: token not yet valid", ErrInvalidSignature)
	}

	sum := sha256.Sum256(body)
	if strings.TrimRight(claims.Body, "=") != base64.RawURLEncoding.EncodeToString(sum[:]) {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}
	return nil
}
