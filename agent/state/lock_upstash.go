package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLeaseTTL     = 2 * time.Minute
	defaultLeaseBackoff = 100 * time.Millisecond
	leaseKeyPrefix      = "moneta:lease:"
)

// releaseScript deletes the lease only if the caller still owns it.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// UpstashLeaseLocker holds a Redis lease per conversation so turns are
// serialized across processes. A lease expires after its TTL if the holder dies.
type UpstashLeaseLocker struct {
	client  *upstashClient
	ttl     time.Duration
	backoff time.Duration
}

var _ Locker = (*UpstashLeaseLocker)(nil)

func NewUpstashLeaseLocker(cfg UpstashRedisConfig, ttl time.Duration) (*UpstashLeaseLocker, error) {
	client, err := newUpstashClient(cfg)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &UpstashLeaseLocker{client: client, ttl: ttl, backoff: defaultLeaseBackoff}, nil
}

func (l *UpstashLeaseLocker) Lock(ctx context.Context, key string) (func(), error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidConversation
	}
	leaseKey := leaseKeyPrefix + key
	token := uuid.NewString()

	for {
		acquired, err := l.tryAcquire(ctx, leaseKey, token)
		if err != nil {
			return nil, err
		}
		if acquired {
			break
		}

		timer := time.NewTimer(l.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrLockHeld, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_, _ = l.client.exec(releaseCtx, []any{"EVAL", releaseScript, 1, leaseKey, token})
		})
	}, nil
}

func (l *UpstashLeaseLocker) tryAcquire(ctx context.Context, leaseKey, token string) (bool, error) {
	resp, err := l.client.exec(ctx, []any{"SET", leaseKey, token, "NX", "PX", l.ttl.Milliseconds()})
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	var result *string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return false, fmt.Errorf("decode lease response: %w", err)
	}
	return result != nil && *result == "OK", nil
}
