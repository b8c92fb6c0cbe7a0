// Package lease provides short-lived named leases so that only one process in
// a deployment runs a periodic loop at a time.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker acquires and releases named leases. Acquire returns false when
// another holder owns the name. An expired lease may be taken by anyone.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalLocker is an in-process Locker for single-instance deployments and
// tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]holder
	now  func() time.Time
}

type holder struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]holder), now: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[name]; ok && now.Before(h.expires) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.held[name] = holder{token: token, expires: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[name]; ok && h.token == token {
			delete(l.held, name)
		}
	}, true, nil
}
