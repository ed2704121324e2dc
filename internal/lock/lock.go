// Package lock serializes state transitions on a single enrollment.
// Different keys never contend with each other.
package lock

import (
	"context"
	"sync"
)

// Locker takes an exclusive lock on key and returns the function that
// releases it. Lock blocks until the lock is held or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted so the
// map does not grow with every enrollment ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

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
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, e, true) })
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry, held bool) {
	if held {
		<-e.ch
	}
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// EnrollmentKey is the lock key used for enrollment transitions.
func EnrollmentKey(enrollmentID string) string {
	return "enrollment:" + enrollmentID
}

// EnrollContactKey is the lock key used while superseding enrollments of a
// contact in a campaign.
func EnrollContactKey(contactID, campaignID string) string {
	return "enroll:" + campaignID + ":" + contactID
}
