package tracking_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"telegram-monitor/internal/infra/tracking"
)

func newTestStore(t *testing.T) (*tracking.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := tracking.NewWithClient(rdb, 24*time.Hour)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestCursorMonotonicMerge(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, ok, err := store.GetCursor(ctx, "chan")
	require.NoError(t, err)
	require.False(t, ok, "cold start must report no cursor")

	// Любая последовательность set даёт максимум всех аргументов.
	for _, id := range []int64{100, 105, 101, 50, 105} {
		require.NoError(t, store.SetCursor(ctx, "chan", id))
	}

	got, ok, err := store.GetCursor(ctx, "chan")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 105, got)
}

func TestCursorTTLRefreshedOnWrite(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	require.NoError(t, store.SetCursor(ctx, "chan", 10))
	mr.FastForward(23 * time.Hour)
	require.NoError(t, store.SetCursor(ctx, "chan", 11))
	mr.FastForward(23 * time.Hour)

	// 46 часов от первой записи, но запись в середине освежила TTL.
	got, ok, err := store.GetCursor(ctx, "chan")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 11, got)

	mr.FastForward(2 * time.Hour)
	_, ok, err = store.GetCursor(ctx, "chan")
	require.NoError(t, err)
	require.False(t, ok, "cursor must lapse after TTL")
}

func TestSeenMarks(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	seen, err := store.IsSeen(ctx, "chan", 42)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, store.MarkSeen(ctx, "chan", 42))

	seen, err = store.IsSeen(ctx, "chan", 42)
	require.NoError(t, err)
	require.True(t, seen)

	// Другой id того же канала не затронут.
	seen, err = store.IsSeen(ctx, "chan", 43)
	require.NoError(t, err)
	require.False(t, seen)
}

func TestSeenFallsBackToLocalWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	require.NoError(t, store.MarkSeen(ctx, "chan", 7))
	mr.Close()

	// Redis лежит: IsSeen отвечает по локальной карте и сообщает о деградации.
	seen, err := store.IsSeen(ctx, "chan", 7)
	require.Error(t, err)
	require.True(t, seen)
}

func TestRateLimitDeadline(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, ok := store.RateLimitDeadline(ctx)
	require.False(t, ok)

	deadline := time.Now().Add(time.Hour)
	require.NoError(t, store.SetRateLimitDeadline(ctx, deadline))

	got, ok := store.RateLimitDeadline(ctx)
	require.True(t, ok)
	require.WithinDuration(t, deadline, got, time.Second)
}

func TestCursorUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	mr.Close()

	_, _, err := store.GetCursor(ctx, "chan")
	require.Error(t, err)
}
