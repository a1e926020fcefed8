package registry

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"
)

const (
    defaultTTL = 10 * time.Minute
    keyPrefix  = "bridge:session:"
    keyIndex   = "bridge:sessions"
)

// RedisStore keeps one JSON value per session with a TTL plus an index set.
// Sessions whose key expired (crashed server) fall out of List on read.
type RedisStore struct {
    rdb *redis.Client
    ttl time.Duration
    now func() time.Time
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
    if ttl <= 0 { ttl = defaultTTL }
    return &RedisStore{rdb: rdb, ttl: ttl, now: time.Now}
}

// Dial connects using a redis:// URL and pings once.
func Dial(ctx context.Context, rawURL string, ttl time.Duration) (*RedisStore, error) {
    if strings.TrimSpace(rawURL) == "" {
        return nil, fmt.Errorf("REDIS_URL required for redis registry")
    }
    opts, err := parseRedisURL(rawURL)
    if err != nil { return nil, err }
    rdb := redis.NewClient(opts)
    if err := rdb.Ping(ctx).Err(); err != nil {
        _ = rdb.Close()
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    return NewRedisStore(rdb, ttl), nil
}

func (s *RedisStore) Close() error {
    if s == nil || s.rdb == nil { return nil }
    return s.rdb.Close()
}

func (s *RedisStore) key(id string) string { return keyPrefix + strings.TrimSpace(id) }

func (s *RedisStore) Register(ctx context.Context, rec Record) error {
    if strings.TrimSpace(rec.ID) == "" { return fmt.Errorf("registry: empty session id") }
    rec.UpdatedAt = s.now()
    raw, err := json.Marshal(rec)
    if err != nil { return err }
    pipe := s.rdb.TxPipeline()
    pipe.Set(ctx, s.key(rec.ID), raw, s.ttl)
    pipe.SAdd(ctx, keyIndex, rec.ID)
    _, err = pipe.Exec(ctx)
    return err
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
    pipe := s.rdb.TxPipeline()
    pipe.Del(ctx, s.key(id))
    pipe.SRem(ctx, keyIndex, id)
    _, err := pipe.Exec(ctx)
    return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
    raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
    if errors.Is(err, redis.Nil) { return Record{}, ErrNotFound }
    if err != nil { return Record{}, err }
    var rec Record
    if err := json.Unmarshal(raw, &rec); err != nil { return Record{}, err }
    return rec, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
    ids, err := s.rdb.SMembers(ctx, keyIndex).Result()
    if err != nil { return nil, err }
    out := make([]Record, 0, len(ids))
    var stale []any
    for _, id := range ids {
        rec, err := s.Get(ctx, id)
        if errors.Is(err, ErrNotFound) {
            stale = append(stale, id)
            continue
        }
        if err != nil { return nil, err }
        out = append(out, rec)
    }
    if len(stale) > 0 {
        _ = s.rdb.SRem(ctx, keyIndex, stale...).Err()
    }
    return out, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
    u, err := url.Parse(raw)
    if err != nil { return nil, err }
    if u.Scheme != "redis" && u.Scheme != "rediss" { return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme) }
    db := 0
    if p := strings.TrimPrefix(u.Path, "/"); p != "" { if n, err := strconv.Atoi(p); err == nil { db = n } }
    pass, _ := u.User.Password()
    return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
