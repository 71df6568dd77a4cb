package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

func mustDatabaseStore(testContext *testing.T, clock *manualClock) *DatabaseStore {
	testContext.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDatabase, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql database: %v", err)
	}
	testContext.Cleanup(func() {
		_ = sqlDatabase.Close()
	})
	if err := database.AutoMigrate(&EntryRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewDatabaseStore(DatabaseStoreConfig{Database: database, Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	return store
}

func mustRedisStore(testContext *testing.T, clock *manualClock) *RedisStore {
	testContext.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		testContext.Skipf("skip: redis not available: %v", err)
	}
	prefix := "presence-test:" + strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	cleanup := func() {
		keys, _ := client.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(context.Background(), keys...).Err()
		}
	}
	cleanup()
	testContext.Cleanup(func() {
		cleanup()
		_ = client.Close()
	})
	store, err := NewRedisStore(RedisStoreConfig{Client: client, Prefix: prefix, Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestStores(testContext *testing.T) {
	backends := []struct {
		name  string
		build func(*testing.T, *manualClock) Store
	}{
		{name: "database", build: func(t *testing.T, clock *manualClock) Store { return mustDatabaseStore(t, clock) }},
		{name: "redis", build: func(t *testing.T, clock *manualClock) Store { return mustRedisStore(t, clock) }},
	}
	for _, backend := range backends {
		testContext.Run(backend.name, func(testContext *testing.T) {
			testContext.Run("ExpiryHorizons", func(testContext *testing.T) {
				clock := newManualClock()
				verifyExpiryHorizons(testContext, backend.build(testContext, clock), clock)
			})
			testContext.Run("ListExcludesCaller", func(testContext *testing.T) {
				clock := newManualClock()
				verifyListExcludesCaller(testContext, backend.build(testContext, clock))
			})
			testContext.Run("HeartbeatRefreshesEntry", func(testContext *testing.T) {
				clock := newManualClock()
				verifyHeartbeatRefreshesEntry(testContext, backend.build(testContext, clock), clock)
			})
			testContext.Run("LeaveRemovesEntry", func(testContext *testing.T) {
				clock := newManualClock()
				verifyLeaveRemovesEntry(testContext, backend.build(testContext, clock))
			})
		})
	}
}

func verifyExpiryHorizons(testContext *testing.T, store Store, clock *manualClock) {
	ctx := context.Background()
	mustHeartbeat(testContext, store, Heartbeat{ScopeID: "scope", UserID: "U", UserName: "Ada", UserColor: "#f00"})

	clock.Advance(31 * time.Second)
	if entries := mustListActive(testContext, store, "scope", "V"); len(entries) != 0 {
		testContext.Fatalf("expected U to be hidden after the active window, got %+v", entries)
	}
	removed, err := store.SweepStale(ctx)
	if err != nil {
		testContext.Fatalf("sweep failed: %v", err)
	}
	if removed != 0 {
		testContext.Fatalf("expected no sweep before the stale window, removed %d", removed)
	}

	clock.Advance(30 * time.Second)
	removed, err = store.SweepStale(ctx)
	if err != nil {
		testContext.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		testContext.Fatalf("expected U to be swept, removed %d", removed)
	}
	clock.Advance(-60 * time.Second)
	if entries := mustListActive(testContext, store, "scope", "V"); len(entries) != 0 {
		testContext.Fatalf("expected the row to be gone, got %+v", entries)
	}
}

func verifyListExcludesCaller(testContext *testing.T, store Store) {
	mustHeartbeat(testContext, store, Heartbeat{ScopeID: "scope", UserID: "U", FileID: "doc1", UserName: "Ada", UserColor: "#f00"})
	mustHeartbeat(testContext, store, Heartbeat{ScopeID: "scope", UserID: "V", UserName: "Lin", UserColor: "#0f0"})
	mustHeartbeat(testContext, store, Heartbeat{ScopeID: "other", UserID: "W", UserName: "Kim", UserColor: "#00f"})

	entries := mustListActive(testContext, store, "scope", "V")
	if len(entries) != 1 {
		testContext.Fatalf("expected one entry, got %+v", entries)
	}
	entry := entries[0]
	if entry.UserID != "U" || entry.FileID != "doc1" || entry.UserName != "Ada" || entry.UserColor != "#f00" {
		testContext.Fatalf("unexpected entry %+v", entry)
	}
}

func verifyHeartbeatRefreshesEntry(testContext *testing.T, store Store, clock *manualClock) {
	mustHeartbeat(testContext, store, Heartbeat{ScopeID: "scope", UserID: "U", FileID: "doc1", UserName: "Ada", UserColor: "#f00"})
	clock.Advance(20 * time.Second)
	mustHeartbeat(testContext, store, Heartbeat{ScopeID: "scope", UserID: "U", FileID: "doc2", UserName: "Ada", UserColor: "#f00"})
	clock.Advance(20 * time.Second)

	entries := mustListActive(testContext, store, "scope", "V")
	if len(entries) != 1 {
		testContext.Fatalf("expected refreshed entry to stay active, got %+v", entries)
	}
	if entries[0].FileID != "doc2" {
		testContext.Fatalf("expected file to follow the latest heartbeat, got %q", entries[0].FileID)
	}
	if !entries[0].LastSeen.Equal(clock.Now().Add(-20 * time.Second)) {
		testContext.Fatalf("unexpected last seen %s", entries[0].LastSeen)
	}
}

func verifyLeaveRemovesEntry(testContext *testing.T, store Store) {
	mustHeartbeat(testContext, store, Heartbeat{ScopeID: "scope", UserID: "U", UserName: "Ada", UserColor: "#f00"})
	if err := store.Leave(context.Background(), "scope", "U"); err != nil {
		testContext.Fatalf("leave failed: %v", err)
	}
	if entries := mustListActive(testContext, store, "scope", "V"); len(entries) != 0 {
		testContext.Fatalf("expected no entries after leave, got %+v", entries)
	}
}

func TestHeartbeatRejectsMissingIdentity(testContext *testing.T) {
	store := mustDatabaseStore(testContext, newManualClock())
	err := store.Heartbeat(context.Background(), Heartbeat{ScopeID: "scope"})
	if !errors.Is(err, ErrInvalidUserID) {
		testContext.Fatalf("expected invalid user error, got %v", err)
	}
	var storeError *StoreError
	if !errors.As(err, &storeError) || storeError.Code() != "presence.heartbeat.invalid_input" {
		testContext.Fatalf("unexpected error code: %v", err)
	}
}

func TestNewDatabaseStoreRejectsInvertedWindows(testContext *testing.T) {
	_, err := NewDatabaseStore(DatabaseStoreConfig{
		Database: &gorm.DB{},
		Windows:  Windows{Active: time.Minute, Stale: time.Second},
	})
	if !errors.Is(err, ErrInvalidWindows) {
		testContext.Fatalf("expected invalid windows error, got %v", err)
	}
}

func mustHeartbeat(testContext *testing.T, store Store, heartbeat Heartbeat) {
	testContext.Helper()
	if err := store.Heartbeat(context.Background(), heartbeat); err != nil {
		testContext.Fatalf("heartbeat failed: %v", err)
	}
}

func mustListActive(testContext *testing.T, store Store, scopeID ScopeID, caller UserID) []Entry {
	testContext.Helper()
	entries, err := store.ListActive(context.Background(), scopeID, caller)
	if err != nil {
		testContext.Fatalf("list active failed: %v", err)
	}
	return entries
}
