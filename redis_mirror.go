package duochat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisDocPrefix    = "duochat:doc:"    // duochat:doc:{path} - hash of field -> JSON
	redisNotifyPrefix = "duochat:notify:" // duochat:notify:{path} - patch announcements
)

// RedisMirror is a Mirror kept in Redis: one hash per path, one field per
// top-level key, and a pub/sub channel per path announcing patches.
type RedisMirror struct {
	rdb *redis.Client
	log *zap.Logger
}

// RedisOptions configures NewRedisMirror.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisMirror connects to Redis and checks the connection.
func NewRedisMirror(ctx context.Context, opts RedisOptions, log *zap.Logger) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisMirrorFromClient(rdb, log), nil
}

// NewRedisMirrorFromClient wraps an existing client.
func NewRedisMirrorFromClient(rdb *redis.Client, log *zap.Logger) *RedisMirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisMirror{rdb: rdb, log: log}
}

func (m *RedisMirror) Patch(ctx context.Context, path string, fields Document) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = []byte(v)
	}
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisDocPrefix+path, values)
		pipe.Publish(ctx, redisNotifyPrefix+path, len(fields))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis patch %s: %w", path, err)
	}
	return nil
}

// Snapshot reads the whole document at path.
func (m *RedisMirror) Snapshot(ctx context.Context, path string) (Document, error) {
	fields, err := m.rdb.HGetAll(ctx, redisDocPrefix+path).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read %s: %w", path, err)
	}
	doc := make(Document, len(fields))
	for k, v := range fields {
		doc[k] = json.RawMessage(v)
	}
	return doc, nil
}

func (m *RedisMirror) Subscribe(ctx context.Context, path string, fn func(Document)) error {
	sub := m.rdb.Subscribe(ctx, redisNotifyPrefix+path)
	// Wait for the subscription to be confirmed so no patch slips between
	// the initial read and the first notification.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("redis subscribe %s: %w", path, err)
	}

	deliver := func() {
		doc, err := m.Snapshot(ctx, path)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn("redis_snapshot_failed", zap.String("path", path), zap.Error(err))
			}
			return
		}
		func() {
			defer func() { recover() }() // swallow panics in subscriber callbacks
			fn(doc)
		}()
	}
	deliver()

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				deliver()
			case <-ctx.Done():
				m.log.Debug("redis_subscription_closed", zap.String("path", path))
				return
			}
		}
	}()
	return nil
}

// Close closes the underlying client.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
