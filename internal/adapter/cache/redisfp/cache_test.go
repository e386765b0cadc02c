package redisfp_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplab/recap-engine/internal/adapter/cache/redisfp"
	"github.com/recaplab/recap-engine/internal/domain"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redisfp.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, redisfp.NewWithClient(client, time.Hour)
}

func TestCache_PutGet(t *testing.T) {
	t.Parallel()
	_, c := setup(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := domain.SegmentResult{Text: "opening scene", AudioHandle: "s3://b/a.wav", SpeedFactor: 1.2}
	require.NoError(t, c.Put(ctx, "fp1", want))

	got, ok, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestCache_Expiry(t *testing.T) {
	t.Parallel()
	mr, c := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", domain.SegmentResult{Text: "x"}))
	mr.FastForward(2 * time.Hour)

	_, ok, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	t.Parallel()
	mr, c := setup(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("recap:seg:fp1", "{not json"))
	_, ok, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)
}
