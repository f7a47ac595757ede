package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pastebox/pkg/domain"
)

// LRU fronts the store for the display path. Only pastes without a view
// quota are admitted; time expiry is re-checked on every hit against the
// caller-supplied now so cached copies obey the same clock as the store.
type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}
type item struct {
	paste *domain.Paste
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(id string, now time.Time) *domain.Paste {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	if it.paste.ExpiresAt != nil && now.After(*it.paste.ExpiresAt) {
		l.c.Remove(id)
		return nil
	}
	return it.paste
}

func (l *LRU) Set(p *domain.Paste) {
	if p.MaxViews != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(p.ID, item{paste: p})
}

func (l *LRU) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
}
