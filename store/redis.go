package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/modalkit/fuseflow/internal/metrics"
)

// RedisSink keeps recent request records in redis with a TTL, serving
// both as the short-term result cache and as a persistence sink.
type RedisSink struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewRedisSink creates a RedisSink. A non-positive ttl falls back to
// five minutes.
func NewRedisSink(client *redis.Client, ttl time.Duration, logger *zap.Logger, collector *metrics.Collector) *RedisSink {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisSink{
		client:  client,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "redis_sink")),
		metrics: collector,
	}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Store implements Sink.
func (s *RedisSink) Store(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.Set(ctx, recordKey(rec.RequestID), body, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	s.logger.Debug("record cached",
		zap.String("request_id", rec.RequestID),
		zap.Duration("ttl", s.ttl))
	return nil
}

// Fetch returns the cached record for a request ID, or ErrNotFound when
// the entry is absent or expired.
func (s *RedisSink) Fetch(ctx context.Context, requestID string) (*Record, error) {
	body, err := s.client.Get(ctx, recordKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.metrics.ResultFetch(s.Name(), "miss")
		return nil, ErrNotFound
	}
	if err != nil {
		s.metrics.ResultFetch(s.Name(), "error")
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		s.metrics.ResultFetch(s.Name(), "error")
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	s.metrics.ResultFetch(s.Name(), "hit")
	return &rec, nil
}

// Ping verifies connectivity; used by the health endpoint.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func recordKey(requestID string) string {
	return "fuseflow:result:" + requestID
}
