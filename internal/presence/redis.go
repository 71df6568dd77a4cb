package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisPrefix = "presence"

// sweepScopeScript removes members scored below the cutoff from one
// scope, drops their entry payloads and forgets the scope once it is empty.
//
// KEYS[1] = members zset, KEYS[2] = entries hash, KEYS[3] = scope index set
// ARGV[1] = cutoff in unix millis, ARGV[2] = scope id
var sweepScopeScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
if redis.call("ZCARD", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[3], ARGV[2])
end
return #expired
`)

// RedisStoreConfig describes the dependencies of RedisStore.
type RedisStoreConfig struct {
	Client  *redis.Client
	Prefix  string
	Clock   func() time.Time
	Logger  *zap.Logger
	Windows Windows
}

// RedisStore keeps presence in Redis: a sorted set per scope scored by
// last-seen millis, a hash per scope holding the entry payloads, and one set
// indexing every scope for the sweeper.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	clock   func() time.Time
	logger  *zap.Logger
	windows Windows
}

// NewRedisStore validates the configuration and constructs the store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, newStoreError(opStoreNew, "missing_redis", nil)
	}
	windows := cfg.Windows
	if windows == (Windows{}) {
		windows = DefaultWindows()
	}
	if err := windows.validate(); err != nil {
		return nil, newStoreError(opStoreNew, "invalid_windows", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: cfg.Client, prefix: prefix, clock: clock, logger: logger, windows: windows}, nil
}

func (s *RedisStore) membersKey(scopeID string) string {
	return s.prefix + ":scope:" + scopeID
}

func (s *RedisStore) entriesKey(scopeID string) string {
	return s.prefix + ":entries:" + scopeID
}

func (s *RedisStore) scopesKey() string {
	return s.prefix + ":scopes"
}

// Heartbeat upserts the caller's entry and refreshes its score.
func (s *RedisStore) Heartbeat(ctx context.Context, heartbeat Heartbeat) error {
	if err := validateHeartbeat(heartbeat); err != nil {
		return newStoreError(opHeartbeat, "invalid_input", err)
	}
	heartbeat = normalizeHeartbeat(heartbeat)
	now := s.clock()
	payload, err := json.Marshal(Entry{
		ScopeID:   heartbeat.ScopeID,
		UserID:    heartbeat.UserID,
		FileID:    heartbeat.FileID,
		UserName:  heartbeat.UserName,
		UserColor: heartbeat.UserColor,
		LastSeen:  time.UnixMilli(now.UnixMilli()).UTC(),
	})
	if err != nil {
		return newStoreError(opHeartbeat, "encode_failed", err)
	}
	scope := heartbeat.ScopeID.String()
	member := heartbeat.UserID.String()
	pipeline := s.client.TxPipeline()
	pipeline.ZAdd(ctx, s.membersKey(scope), redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipeline.HSet(ctx, s.entriesKey(scope), member, payload)
	pipeline.SAdd(ctx, s.scopesKey(), scope)
	if _, err := pipeline.Exec(ctx); err != nil {
		s.logger.Error("presence heartbeat failed",
			zap.String("scope_id", scope),
			zap.String("user_id", member),
			zap.Error(err))
		return newStoreError(opHeartbeat, "write_failed", err)
	}
	return nil
}

// ListActive returns entries seen within the active window, without the caller's own.
func (s *RedisStore) ListActive(ctx context.Context, scopeID ScopeID, caller UserID) ([]Entry, error) {
	scope := scopeID.String()
	cutoff := s.clock().Add(-s.windows.Active).UnixMilli()
	members, err := s.client.ZRangeByScore(ctx, s.membersKey(scope), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, newStoreError(opListActive, "query_failed", err)
	}
	others := make([]string, 0, len(members))
	for _, member := range members {
		if member != caller.String() {
			others = append(others, member)
		}
	}
	if len(others) == 0 {
		return []Entry{}, nil
	}
	payloads, err := s.client.HMGet(ctx, s.entriesKey(scope), others...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, newStoreError(opListActive, "query_failed", err)
	}
	entries := make([]Entry, 0, len(payloads))
	for index, raw := range payloads {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			s.logger.Warn("presence entry undecodable",
				zap.String("scope_id", scope),
				zap.String("user_id", others[index]),
				zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Leave deletes the user's entry immediately.
func (s *RedisStore) Leave(ctx context.Context, scopeID ScopeID, userID UserID) error {
	scope := scopeID.String()
	pipeline := s.client.TxPipeline()
	pipeline.ZRem(ctx, s.membersKey(scope), userID.String())
	pipeline.HDel(ctx, s.entriesKey(scope), userID.String())
	if _, err := pipeline.Exec(ctx); err != nil {
		return newStoreError(opLeave, "delete_failed", err)
	}
	return nil
}

// SweepStale walks every known scope and deletes entries older than the
// stale window.
func (s *RedisStore) SweepStale(ctx context.Context) (int64, error) {
	scopes, err := s.client.SMembers(ctx, s.scopesKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, newStoreError(opSweepStale, "scan_failed", err)
	}
	cutoff := strconv.FormatInt(s.clock().Add(-s.windows.Stale).UnixMilli(), 10)
	var removed int64
	for _, scope := range scopes {
		keys := []string{s.membersKey(scope), s.entriesKey(scope), s.scopesKey()}
		count, err := sweepScopeScript.Run(ctx, s.client, keys, cutoff, scope).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return removed, newStoreError(opSweepStale, "delete_failed", err)
		}
		removed += count
	}
	return removed, nil
}
