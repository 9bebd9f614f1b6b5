// Package redis provides a saga.Dedupe backed by Redis, for
// deployments where multiple processes of the same participant must
// share one dedupe view. Grounded on the teacher's
// messaging/transport/redisstreams.Transport: a narrow client
// interface capturing only the go-redis commands actually used, so
// tests can fake it without a real server, plus the config-with-
// defaults constructor shape the teacher uses throughout.
package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	cherrors "choreosaga/errors"
	"choreosaga/identity"
)

// client captures the subset of go-redis commands Dedupe relies on.
type client interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *goredis.BoolCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// Config describes how the dedupe store connects to Redis.
type Config struct {
	Client    goredis.UniversalClient
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Dedupe is a saga.Dedupe backed by Redis SETNX for the atomic
// check-and-mark and SCAN+DEL for per-saga pruning.
type Dedupe struct {
	cfg       Config
	client    client
	ownClient bool
}

// New constructs a Dedupe from cfg, connecting a new client if
// cfg.Client is nil.
func New(cfg Config) (*Dedupe, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "saga:dedupe:"
	}

	var rc goredis.UniversalClient
	ownClient := false
	if cfg.Client != nil {
		rc = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, cherrors.New(cherrors.ErrCodeInvalidInput, "dedupe/redis: Addr or Client required")
		}
		rc = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		ownClient = true
	}

	return &Dedupe{cfg: cfg, client: rc, ownClient: ownClient}, nil
}

func (d *Dedupe) keyFor(sagaID identity.SagaID, key string) string {
	return d.cfg.KeyPrefix + sagaID.String() + ":" + key
}

func (d *Dedupe) scanPrefix(sagaID identity.SagaID) string {
	return d.cfg.KeyPrefix + sagaID.String() + ":*"
}

// CheckAndMark atomically inserts key for sagaID using SETNX, the
// same primitive the reference journal write path leans on for its
// own duplicate-key idempotent fallback. The key carries no TTL: per
// spec §3.5, dedupe keys live until their saga reaches a terminal
// state and Prune removes them as a unit, not until some wall-clock
// interval elapses and lets a redelivered event "go fresh" again.
func (d *Dedupe) CheckAndMark(ctx context.Context, sagaID identity.SagaID, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.keyFor(sagaID, key), 1, 0).Result()
	if err != nil {
		return false, cherrors.Wrap(ctx, err, cherrors.ErrCodeCache, "dedupe/redis: setnx")
	}
	return ok, nil
}

// Prune scans and deletes every dedupe key recorded for sagaID.
func (d *Dedupe) Prune(ctx context.Context, sagaID identity.SagaID) error {
	var cursor uint64
	prefix := d.scanPrefix(sagaID)
	for {
		keys, next, err := d.client.Scan(ctx, cursor, prefix, 100).Result()
		if err != nil {
			return cherrors.Wrap(ctx, err, cherrors.ErrCodeCache, "dedupe/redis: scan")
		}
		if len(keys) > 0 {
			if _, err := d.client.Del(ctx, keys...).Result(); err != nil {
				return cherrors.Wrap(ctx, err, cherrors.ErrCodeCache, "dedupe/redis: del")
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// Close releases the underlying Redis client, if this Dedupe opened it.
func (d *Dedupe) Close() error {
	if !d.ownClient {
		return nil
	}
	return d.client.Close()
}
