package counters

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/archessay/wildduck/config"
	"github.com/archessay/wildduck/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

var (
	//go:embed lua/ttlcounter.lua
	ttlCounterSrc string
	//go:embed lua/cachedcounter.lua
	cachedCounterSrc string
	//go:embed lua/limitedcounter.lua
	limitedCounterSrc string

	ttlCounterScript     = redis.NewScript(ttlCounterSrc)
	cachedCounterScript  = redis.NewScript(cachedCounterSrc)
	limitedCounterScript = redis.NewScript(limitedCounterSrc)
)

// Connect opens a Redis client and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	dialTimeout, err := cfg.GetDialTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid redis dial timeout: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Redis runs the counters as Lua scripts so each check-and-increment is a
// single atomic step on the server.
type Redis struct {
	client  redis.Scripter
	version int64
}

// NewRedis creates Redis-backed counters. The client version used by
// LimitedCounter is the process start time in milliseconds.
func NewRedis(client redis.Scripter) *Redis {
	return &Redis{client: client, version: time.Now().UnixMilli()}
}

func (r *Redis) TTLCounter(ctx context.Context, key string, count, max int64, window time.Duration) (Result, error) {
	if max <= 0 {
		return Result{Success: true}, nil
	}

	vals, err := ttlCounterScript.Run(ctx, r.client, []string{key}, count, max, seconds(window)).Int64Slice()
	if err != nil {
		metrics.CounterChecksTotal.WithLabelValues("ttl", "error").Inc()
		return Result{}, fmt.Errorf("ttlcounter %s: %w", key, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("ttlcounter %s: unexpected reply length %d", key, len(vals))
	}

	res := Result{Success: vals[0] == 1, Value: vals[1], TTL: time.Duration(vals[2]) * time.Second}
	recordCheck("ttl", res.Success)
	return res, nil
}

func (r *Redis) CachedCounter(ctx context.Context, key string, count int64, ttl time.Duration) (int64, error) {
	val, err := cachedCounterScript.Run(ctx, r.client, []string{key}, count, seconds(ttl)).Int64()
	if err != nil {
		return 0, fmt.Errorf("cachedcounter %s: %w", key, err)
	}
	return val, nil
}

func (r *Redis) LimitedCounter(ctx context.Context, key, entry string, count, limit int64) (Result, error) {
	vals, err := limitedCounterScript.Run(ctx, r.client, []string{key}, "e:"+entry, count, limit, r.version).Int64Slice()
	if err != nil {
		metrics.CounterChecksTotal.WithLabelValues("limited", "error").Inc()
		return Result{}, fmt.Errorf("limitedcounter %s: %w", key, err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("limitedcounter %s: unexpected reply length %d", key, len(vals))
	}

	res := Result{Success: vals[0] == 1, Value: vals[1]}
	recordCheck("limited", res.Success)
	return res, nil
}

func recordCheck(counter string, ok bool) {
	result := "allowed"
	if !ok {
		result = "denied"
	}
	metrics.CounterChecksTotal.WithLabelValues(counter, result).Inc()
}
