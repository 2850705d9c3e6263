package qstash

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPublishSendsHeaders(t *testing.T) {
	t.Parallel()

	var (
		gotPath, gotAuth, gotDedup, gotRetries string
		gotBody                                map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotDedup = r.Header.Get("Upstash-Deduplication-Id")
		gotRetries = r.Header.Get("Upstash-Retries")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"messageId":"msg_1"}`))
	}))
	defer srv.Close()

	c := MustNew(Config{URL: srv.URL, Token: "tok", Retries: 2})
	id, err := c.PublishJSON(context.Background(), "https://example.com/hooks/turns", map[string]any{"conversation_id": "c1"}, PublishOptions{DeduplicationID: "c1-4"})
	if err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}
	if id != "msg_1" {
		t.Fatalf("unexpected message id %q", id)
	}
	if gotPath != "/v2/publish/https://example.com/hooks/turns" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer tok" || gotDedup != "c1-4" || gotRetries != "2" {
		t.Fatalf("unexpected headers auth=%q dedup=%q retries=%q", gotAuth, gotDedup, gotRetries)
	}
	if gotBody["conversation_id"] != "c1" {
		t.Fatalf("unexpected body %#v", gotBody)
	}
}

func TestPublishHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := MustNew(Config{URL: srv.URL, Token: "bad"})
	if _, err := c.Publish(context.Background(), "https://example.com", []byte(`{}`), PublishOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := c.Publish(context.Background(), " ", []byte(`{}`), PublishOptions{}); !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}
}

func sign(t *testing.T, key string, claims signatureClaims) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	raw, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(header + "." + payload))
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerify(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"conversation_id":"c1"}`)
	sum := sha256.Sum256(body)
	claims := signatureClaims{
		Issuer:    "Upstash",
		Subject:   "https://example.com/hooks/turns",
		ExpiresAt: now.Add(time.Minute).Unix(),
		NotBefore: now.Add(-time.Minute).Unix(),
		Body:      base64.URLEncoding.EncodeToString(sum[:]),
	}

	c := MustNew(Config{URL: "https://qstash.upstash.io", CurrentSigningKey: "current", NextSigningKey: "next"})
	c.now = func() time.Time { return now }

	if err := c.Verify(sign(t, "current", claims), body, claims.Subject); err != nil {
		t.Fatalf("current key: %v", err)
	}
	if err := c.Verify(sign(t, "next", claims), body, claims.Subject); err != nil {
		t.Fatalf("next key after rotation: %v", err)
	}
	if err := c.Verify(sign(t, "other", claims), body, claims.Subject); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if err := c.Verify(sign(t, "current", claims), []byte(`{}`), claims.Subject); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected body mismatch, got %v", err)
	}

	expired := claims
	expired.ExpiresAt = now.Add(-time.Second).Unix()
	if err := c.Verify(sign(t, "current", expired), body, claims.Subject); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected expiry failure, got %v", err)
	}
}
