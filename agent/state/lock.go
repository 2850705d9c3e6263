package state

import (
	"context"
	"errors"
	"sync"
)

var ErrLockHeld = errors.New("conversation is locked by another turn")

// Locker serializes turns of the same conversation. The returned release
// function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// LockKey identifies a conversation across use cases.
func LockKey(useCase UseCase, userID, conversationID string) string {
	return string(useCase) + ":" + userID + ":" + conversationID
}

// KeyedMutex is an in-process Locker. Entries are dropped once no turn waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch      chan struct{}
	waiters int
}

var _ Locker = (*KeyedMutex)(nil)

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.waiters++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.leave(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.leave(key, e)
		})
	}, nil
}

func (k *KeyedMutex) leave(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.waiters--
	if e.waiters == 0 {
		delete(k.locks, key)
	}
}

// NopLocker leaves serialization to the caller.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}
