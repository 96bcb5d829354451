package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modalkit/fuseflow/types"
)

func testRecord() *Record {
	key := types.NewCapabilityKey(types.ModalityText, types.OpEmbed)
	return &Record{
		RequestID: "req-123",
		Status:    "succeeded",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Results: []types.ModalityResult{
			{Key: key, OK: true, Vector: []float64{0.1, 0.2}, Confidence: 0.9},
		},
		Fusions: map[types.FusionStrategy]*types.FusionResult{
			types.StrategyLate: {
				Strategy:   types.StrategyLate,
				Fused:      true,
				Scores:     map[string]float64{"relevance": 0.8},
				Confidence: 0.8,
			},
		},
	}
}

func newRedisSink(t *testing.T) *RedisSink {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSink(client, time.Minute, zap.NewNop(), nil)
}

func TestRedisSink_StoreAndFetch(t *testing.T) {
	t.Parallel()

	sink := newRedisSink(t)
	ctx := context.Background()
	rec := testRecord()

	require.NoError(t, sink.Store(ctx, rec))

	got, err := sink.Fetch(ctx, rec.RequestID)
	require.NoError(t, err)
	assert.Equal(t, rec.RequestID, got.RequestID)
	assert.Equal(t, rec.Status, got.Status)
	require.Len(t, got.Results, 1)
	assert.Equal(t, rec.Results[0].Vector, got.Results[0].Vector)
	require.Contains(t, got.Fusions, types.StrategyLate)
	assert.InDelta(t, 0.8, got.Fusions[types.StrategyLate].Scores["relevance"], 1e-12)
}

func TestRedisSink_FetchMissing(t *testing.T) {
	t.Parallel()

	sink := newRedisSink(t)
	_, err := sink.Fetch(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRedisSink_Ping(t *testing.T) {
	t.Parallel()

	sink := newRedisSink(t)
	assert.NoError(t, sink.Ping(context.Background()))
}
