package escrow

import (
	"context"
	"sync"
)

// Locker serializes the legs of one transaction.
type Locker interface {
	// Lock blocks until the transaction's lock is held or ctx is done.
	Lock(ctx context.Context, txID string) (func(), error)
}

var _ Locker = (*KeyedMutex)(nil)

// KeyedMutex is an in-process Locker.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (k *KeyedMutex) Lock(ctx context.Context, txID string) (func(), error) {
	k.mu.Lock()
	l := k.locks[txID]
	if l == nil {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[txID] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(txID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(txID, l)
		})
	}, nil
}

func (k *KeyedMutex) release(txID string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, txID)
	}
}

// held returns the number of keys with holders or waiters.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
