package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libria/internal/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	state, err := store.Load(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, 0, state.UsageCount, "unknown device starts fresh")

	for want := 1; want <= 3; want++ {
		state, err = store.Increment(ctx, "device-a", 3)
		require.NoError(t, err)
		assert.Equal(t, want, state.UsageCount)
	}

	_, err = store.Increment(ctx, "device-a", 3)
	assert.ErrorIs(t, err, ErrLimitReached)

	state, err = store.Load(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, 3, state.UsageCount, "refused increment leaves the counter alone")

	state, err = store.Increment(ctx, "device-a", 50)
	require.NoError(t, err)
	assert.Equal(t, 4, state.UsageCount, "a larger limit reopens the counter")

	_, err = store.Increment(ctx, "device-c", 0)
	assert.ErrorIs(t, err, ErrLimitReached)
	state, err = store.Load(ctx, "device-c")
	require.NoError(t, err)
	assert.Equal(t, 0, state.UsageCount)

	state, err = store.Load(ctx, "device-b")
	require.NoError(t, err)
	assert.Equal(t, 0, state.UsageCount, "devices do not share counters")
}

// exerciseConcurrentLimit races many increments for one device against a
// small limit: exactly limit of them may succeed.
func exerciseConcurrentLimit(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	const limit = 3

	var wg sync.WaitGroup
	var succeeded, refused atomic.Int32
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Increment(ctx, "device-a", limit)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrLimitReached):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, limit, succeeded.Load())
	assert.EqualValues(t, 12-limit, refused.Load())

	state, err := store.Load(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, limit, state.UsageCount)
}

func TestMemoryStore(t *testing.T) {
	store := newMemoryStore(time.Hour, time.Now)
	defer store.Close()
	exerciseStore(t, store)
}

func TestMemoryStoreConcurrentLimit(t *testing.T) {
	store := newMemoryStore(time.Hour, time.Now)
	defer store.Close()
	exerciseConcurrentLimit(t, store)
}

func TestMemoryStoreLoadDoesNotOpenSession(t *testing.T) {
	store := newMemoryStore(time.Hour, time.Now)
	ctx := context.Background()

	for _, id := range []string{"random-1", "random-2", "random-3"} {
		state, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, state.UsageCount)
	}
	assert.Equal(t, 0, store.Len())

	_, err := store.Increment(ctx, "random-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreSessionExpiry(t *testing.T) {
	clock := newClock()
	store := newMemoryStore(time.Hour, clock.Now)
	ctx := context.Background()

	_, err := store.Increment(ctx, "device-a", 3)
	require.NoError(t, err)
	_, err = store.Increment(ctx, "device-a", 3)
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	state, err := store.Load(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, 2, state.UsageCount)

	clock.Advance(2 * time.Minute)
	state, err = store.Load(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, 0, state.UsageCount, "expired session starts over")
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := newClock()
	store := newMemoryStore(time.Minute, clock.Now)
	ctx := context.Background()

	_, _ = store.Increment(ctx, "device-a", 3)
	_, _ = store.Increment(ctx, "device-b", 3)
	assert.Equal(t, 2, store.Len())

	clock.Advance(2 * time.Minute)
	store.sweep()
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreConcurrentIncrements(t *testing.T) {
	store := newMemoryStore(time.Hour, time.Now)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Increment(ctx, "device-a", 100)
		}()
	}
	wg.Wait()

	state, err := store.Load(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, 50, state.UsageCount)
}

func TestMemoryStoreCloseIsIdempotent(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func newMiniRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, ttl)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore(t *testing.T) {
	store, _ := newMiniRedisStore(t, time.Hour)
	exerciseStore(t, store)
}

func TestRedisStoreConcurrentLimit(t *testing.T) {
	store, _ := newMiniRedisStore(t, time.Hour)
	exerciseConcurrentLimit(t, store)
}

func TestRedisStoreSessionExpiry(t *testing.T) {
	store, mr := newMiniRedisStore(t, time.Hour)
	ctx := context.Background()

	_, err := store.Increment(ctx, "device-a", 3)
	require.NoError(t, err)
	_, err = store.Increment(ctx, "device-a", 3)
	require.NoError(t, err)

	assert.Equal(t, time.Hour, mr.TTL(DefaultRedisPrefix+"device-a"), "ttl set once on first increment")

	mr.FastForward(61 * time.Minute)

	state, err := store.Load(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, 0, state.UsageCount)
}

func TestRedisStoreCorruptCounter(t *testing.T) {
	store, mr := newMiniRedisStore(t, time.Hour)
	require.NoError(t, mr.Set(DefaultRedisPrefix+"device-a", "many"))

	_, err := store.Load(context.Background(), "device-a")
	assert.ErrorContains(t, err, "not an integer")
}

func TestOpenRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := OpenRedisStore(context.Background(), "redis://"+mr.Addr()+"/0", time.Hour)
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)

	_, err = OpenRedisStore(context.Background(), "http://localhost:6379", time.Hour)
	assert.ErrorContains(t, err, "failed to parse")
}

func newSQLiteStore(t *testing.T, ttl time.Duration, now func() time.Time) *SQLiteStore {
	t.Helper()
	store, err := openSQLiteStore(filepath.Join(t.TempDir(), "quota_test.db"), ttl, now, purgeInterval)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func countRows(t *testing.T, store *SQLiteStore) int {
	t.Helper()
	var n int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM usage_counters`).Scan(&n))
	return n
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, newSQLiteStore(t, time.Hour, time.Now))
}

func TestSQLiteStoreConcurrentLimit(t *testing.T) {
	exerciseConcurrentLimit(t, newSQLiteStore(t, time.Hour, time.Now))
}

func TestSQLiteStoreSessionExpiry(t *testing.T) {
	clock := newClock()
	store := newSQLiteStore(t, time.Hour, clock.Now)
	ctx := context.Background()

	_, err := store.Increment(ctx, "device-a", 2)
	require.NoError(t, err)
	_, err = store.Increment(ctx, "device-a", 2)
	require.NoError(t, err)
	_, err = store.Increment(ctx, "device-a", 2)
	require.ErrorIs(t, err, ErrLimitReached)

	clock.Advance(2 * time.Hour)

	state, err := store.Load(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, 0, state.UsageCount)

	state, err = store.Increment(ctx, "device-a", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, state.UsageCount, "expired row restarts at one even at the limit")

	clock.Advance(2 * time.Hour)
	purged, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota_test.db")
	ctx := context.Background()

	store, err := OpenSQLiteStore(path, time.Hour)
	require.NoError(t, err)
	_, err = store.Increment(ctx, "device-a", 3)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenSQLiteStore(path, time.Hour)
	require.NoError(t, err)
	defer store.Close()

	state, err := store.Load(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, 1, state.UsageCount)
}

func TestSQLiteStorePurgesInBackground(t *testing.T) {
	clock := newClock()
	store, err := openSQLiteStore(filepath.Join(t.TempDir(), "purge_test.db"), time.Hour, clock.Now, 10*time.Millisecond)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, err = store.Increment(ctx, "device-a", 3)
	require.NoError(t, err)
	_, err = store.Increment(ctx, "device-b", 3)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, countRows(t, store), "live sessions are kept")

	clock.Advance(2 * time.Hour)
	assert.Eventually(t, func() bool {
		var n int
		err := store.db.QueryRow(`SELECT COUNT(*) FROM usage_counters`).Scan(&n)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSQLiteStoreCloseIsIdempotent(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "close_test.db"), time.Hour)
	require.NoError(t, err)
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestOpenSelectsBackend(t *testing.T) {
	cfg := config.Default()

	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
	store.Close()

	cfg.QuotaStore = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "open.db")
	store, err = Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	store.Close()

	cfg.QuotaStore = "etcd"
	_, err = Open(context.Background(), cfg)
	assert.Error(t, err)
}
