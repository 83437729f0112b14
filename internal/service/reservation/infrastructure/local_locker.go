// internal/service/reservation/infrastructure/local_locker.go
package infrastructure

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"stockhold/internal/service/reservation/domain"
)

type keyLock struct {
	ch   chan struct{} // 容量为 1 的令牌
	refs int
}

// LocalLocker 是进程内按 key 的互斥锁集合，等待可被 ctx 打断。
// 不再被引用的 key 会被回收，锁表大小只与正在竞争的商品数有关。
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Acquire(ctx context.Context, keys []string) (func(), error) {
	held := make([]string, 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}
	for _, key := range keys {
		if err := l.lock(ctx, key); err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, key)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

func (l *LocalLocker) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.deref(key, kl)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(domain.ErrLockTimeout, "product %s", key)
		}
		return ctx.Err()
	}
}

func (l *LocalLocker) unlock(key string) {
	l.mu.Lock()
	kl := l.locks[key]
	l.mu.Unlock()
	<-kl.ch
	l.deref(key, kl)
}

func (l *LocalLocker) deref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
