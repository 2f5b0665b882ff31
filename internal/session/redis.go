package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires idle drafts. Sessions in Sending never expire.
	TTL time.Duration
}

// RedisStore keeps sessions as JSON strings under <prefix><operator>.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(cfg RedisConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreWithClient(rdb, cfg.Prefix, cfg.TTL)
}

func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "castbot:session:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(operator int64) string {
	return s.prefix + strconv.FormatInt(operator, 10)
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Load(ctx context.Context, operator int64) (Session, bool, error) {
	b, err := s.client.Get(ctx, s.key(operator)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	var v Session
	if err := json.Unmarshal(b, &v); err != nil {
		return Session{}, false, err
	}
	return v, true, nil
}

func (s *RedisStore) Save(ctx context.Context, v Session) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ttl := s.ttl
	if v.Phase == Sending {
		ttl = 0
	}
	return s.client.Set(ctx, s.key(v.Operator), b, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, operator int64) error {
	return s.client.Del(ctx, s.key(operator)).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]Session, error) {
	var out []Session
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		b, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var v Session
		if err := json.Unmarshal(b, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operator < out[j].Operator })
	return out, nil
}
