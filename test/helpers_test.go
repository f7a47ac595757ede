package test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"pastebox/cfg"
	"pastebox/pkg/clock"
	"pastebox/svc/cache"
	"pastebox/svc/db"
	"pastebox/svc/svc"
)

var envLoadOnce sync.Once

func loadTestEnv() {
	envLoadOnce.Do(func() {
		paths := []string{
			".env.test",
			"../.env.test",
		}
		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					if err := godotenv.Load(absPath); err == nil {
						return
					}
				}
			}
		}
	})
}

func createTestConfig() *cfg.Cfg {
	loadTestEnv()
	return &cfg.Cfg{
		Port:            "0",
		Environment:     "test",
		LogLevel:        "error",
		DatabasePath:    ":memory:",
		LRUCacheSize:    1000,
		MaxPasteSize:    1024 * 1024,
		MaxTTL:          30 * 24 * time.Hour,
		ContextTimeout:  30 * time.Second,
		CleanupInterval: time.Minute,
		RateLimit: cfg.RateLimitCfg{
			RPM:               100000,
			Burst:             10000,
			ConservativeLimit: 50000,
		},
		TestMode: true,
	}
}

func createTestDB(t *testing.T, c *cfg.Cfg) *db.SQLite {
	t.Helper()
	// busy_timeout goes in the DSN so every pooled connection gets it.
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_busy_timeout=5000", time.Now().UnixNano())
	maxOpenConns := c.DBMaxOpenConns
	if maxOpenConns == 0 {
		maxOpenConns = 250
	}
	maxIdleConns := c.DBMaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 25
	}
	queryTimeout := c.DBQueryTimeout
	if queryTimeout == 0 {
		queryTimeout = 10 * time.Second
	}
	sqlDB, err := db.NewSQLiteWithConfig(dsn, maxOpenConns, maxIdleConns, queryTimeout)
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	return sqlDB
}

func createTestLRU(t *testing.T, size int) *cache.LRU {
	t.Helper()
	lru, err := cache.NewLRU(size)
	if err != nil {
		t.Fatalf("failed to create test LRU: %v", err)
	}
	return lru
}

// newTestService wires a service against an in-memory store with an
// override-enabled clock, so tests can drive time via context.
func newTestService(t *testing.T) (*svc.Paste, *db.SQLite) {
	t.Helper()
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	t.Cleanup(func() { sqlDB.Close() })
	lru := createTestLRU(t, c.LRUCacheSize)
	p := svc.NewPaste(sqlDB, lru, nil, clock.NewSystem(true), c)
	t.Cleanup(p.Shutdown)
	return p, sqlDB
}

func intPtr(v int) *int { return &v }
