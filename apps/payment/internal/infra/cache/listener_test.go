package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSet(t *testing.T) *ListenerSet {
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rds.Close() })
	return NewListenerSet(rds, "")
}

func TestListenerSet(t *testing.T) {
	s := newTestSet(t)
	ctx := context.Background()

	require.NoError(t, s.Listen(ctx, "0xAA"))
	require.NoError(t, s.Listen(ctx, "0xbb"))
	require.NoError(t, s.Listen(ctx, "0xaa"))

	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, snap, "0xaa")

	require.NoError(t, s.Unlisten(ctx, "0xAA"))
	snap, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"0xbb": {}}, snap)
}

func TestListenerSet_Rebuild(t *testing.T) {
	s := newTestSet(t)
	ctx := context.Background()
	require.NoError(t, s.Listen(ctx, "0xstale"))

	require.NoError(t, s.Rebuild(ctx, []string{"0x01", "0x02"}))
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 2)
	_, stale := snap["0xstale"]
	assert.False(t, stale)

	require.NoError(t, s.Rebuild(ctx, nil))
	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
