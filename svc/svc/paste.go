package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"pastebox/cfg"
	"pastebox/metrics"
	"pastebox/pkg/clock"
	"pastebox/pkg/domain"
	"pastebox/svc/cache"
	"pastebox/svc/db"
	"pastebox/svc/util"
)

// Paste orchestrates the write and read paths. All business rules about
// visibility and quota live in the store; this layer validates input, asks
// the clock for now, and translates store outcomes.
type Paste struct {
	db  *db.SQLite
	lru *cache.LRU
	rdb *db.Redis
	clk clock.Clock
	cfg *cfg.Cfg

	peekGroup singleflight.Group
	shutdown  atomic.Bool
	opWg      sync.WaitGroup
}

func NewPaste(sqlDB *db.SQLite, lru *cache.LRU, rdb *db.Redis, clk clock.Clock, c *cfg.Cfg) *Paste {
	if sqlDB == nil || lru == nil || clk == nil || c == nil {
		panic("paste service: nil dependency (sqlDB, lru, clk, or cfg)")
	}
	return &Paste{
		db:  sqlDB,
		lru: lru,
		rdb: rdb,
		clk: clk,
		cfg: c,
	}
}

func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

func translateStoreErr(err error) error {
	if errors.Is(err, db.ErrCircuitOpen) {
		return domain.ErrStorageUnavailable
	}
	return err
}

// Create validates defensively even though the HTTP edge validates too: the
// store must never see empty content or non-positive limits.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	if strings.TrimSpace(params.Content) == "" {
		return nil, domain.ErrContentRequired
	}
	if int64(len(params.Content)) > p.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	if params.TTLSeconds != nil && *params.TTLSeconds < 1 {
		return nil, domain.ErrInvalidTTL
	}
	if params.MaxViews != nil && *params.MaxViews < 1 {
		return nil, domain.ErrInvalidMaxViews
	}

	id, err := util.GenID(func(id string) (bool, error) {
		return p.db.Exists(ctx, id)
	})
	if err != nil {
		if errors.Is(err, db.ErrCircuitOpen) {
			return nil, domain.ErrStorageUnavailable
		}
		return nil, errors.Wrap(domain.ErrIDGenerationFailed, err.Error())
	}

	now := p.clk.Now(ctx)
	paste := &domain.Paste{
		ID:        id,
		Content:   params.Content,
		CreatedAt: now,
		Views:     0,
	}
	if params.TTLSeconds != nil {
		expiresAt := now.Add(time.Duration(*params.TTLSeconds) * time.Second)
		paste.ExpiresAt = &expiresAt
	}
	if params.MaxViews != nil {
		mv := *params.MaxViews
		paste.MaxViews = &mv
	}

	if err := p.db.Create(ctx, paste); err != nil {
		return nil, errors.Wrap(translateStoreErr(err), "create paste")
	}

	// Only unlimited-view pastes are cacheable; Set and CachePaste both
	// enforce that on their own.
	p.lru.Set(paste)
	if p.rdb != nil && paste.MaxViews == nil {
		ttl := time.Duration(0)
		if paste.ExpiresAt != nil {
			ttl = paste.ExpiresAt.Sub(now)
		}
		if err := p.rdb.CachePaste(ctx, paste, ttl); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to cache in Redis")
		}
	}

	metrics.PasteCreated.Inc()
	return paste, nil
}

// Claim consumes one view. It always goes to the authoritative store: the
// increment and the quota check are one atomic statement there, and no cache
// can participate in that.
func (p *Paste) Claim(ctx context.Context, id string) (*domain.Claim, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	now := p.clk.Now(ctx)
	claim, err := p.db.ClaimView(ctx, id, now)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			metrics.PasteNotFound.Inc()
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(translateStoreErr(err), "claim view")
	}
	metrics.PasteClaimed.Inc()
	return claim, nil
}

// Peek reads for display without consuming a view. Cache layers serve only
// unlimited-view pastes, so a hit can never mask quota exhaustion; expiry is
// re-checked against the clock on every hit.
func (p *Paste) Peek(ctx context.Context, id string) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	now := p.clk.Now(ctx)
	if paste := p.lru.Get(id, now); paste != nil {
		metrics.CacheHits.Inc()
		metrics.PastePeeked.Inc()
		return paste, nil
	}
	metrics.CacheMisses.Inc()

	if p.rdb != nil {
		if paste, err := p.rdb.GetPaste(ctx, id); err == nil && paste != nil {
			if paste.ExpiresAt != nil && now.After(*paste.ExpiresAt) {
				p.lru.Delete(id)
				p.rdb.Delete(ctx, id)
				metrics.PasteNotFound.Inc()
				return nil, domain.ErrPasteNotFound
			}
			p.lru.Set(paste)
			metrics.CacheHits.Inc()
			metrics.PastePeeked.Inc()
			return paste, nil
		}
	}

	// Collapse concurrent misses for the same id into one store query.
	v, err, _ := p.peekGroup.Do(id, func() (interface{}, error) {
		return p.db.Peek(ctx, id, now)
	})
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			metrics.PasteNotFound.Inc()
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(translateStoreErr(err), "peek paste")
	}
	paste := v.(*domain.Paste)

	p.lru.Set(paste)
	if p.rdb != nil && paste.MaxViews == nil {
		ttl := time.Duration(0)
		if paste.ExpiresAt != nil {
			ttl = paste.ExpiresAt.Sub(now)
		}
		if err := p.rdb.CachePaste(ctx, paste, ttl); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to cache in Redis")
		}
	}
	metrics.PastePeeked.Inc()
	return paste, nil
}

var (
	cleanerOnce    sync.Once
	cleanerRunning atomic.Bool
)

// StartCleaner prunes time-expired rows on an interval. Retaining them would
// be correct too (expired rows are invisible to reads); this just keeps the
// table from growing without bound.
func StartCleaner(ctx context.Context, sqlDB *db.SQLite, clk clock.Clock, interval time.Duration) error {
	if cleanerRunning.Load() {
		return errors.New("cleaner already running")
	}
	cleanerOnce.Do(func() {
		cleanerRunning.Store(true)
		go runCleaner(ctx, sqlDB, clk, interval)
	})
	return nil
}

func runCleaner(ctx context.Context, sqlDB *db.SQLite, clk clock.Clock, interval time.Duration) {
	defer cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			deleted, err := sqlDB.CleanupExpired(ctx, clk.Now(ctx))
			metrics.PruneCycles.Inc()
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup completed")
			}
		}
	}
}
