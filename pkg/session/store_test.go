package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/gitlab-mcp/gateway/pkg/errors"
	"github.com/gitlab-mcp/gateway/pkg/gitlab"
	"github.com/gitlab-mcp/gateway/pkg/protocol"
)

func newTestStore(validate ValidateFunc) (*Store, *atomic.Int64) {
	validations := &atomic.Int64{}
	if validate == nil {
		validate = func(ctx context.Context, c *gitlab.Client) error { return nil }
	}
	counted := func(ctx context.Context, c *gitlab.Client) error {
		validations.Add(1)
		return validate(ctx, c)
	}
	store := NewStore(Options{
		NewClient: func(creds gitlab.Credentials) *gitlab.Client {
			return gitlab.NewClient(creds, time.Second, gitlab.Hooks{})
		},
		Validate: counted,
	})
	return store, validations
}

func TestDeriveKeyIsStable(t *testing.T) {
	k1 := DeriveKey("tok-A", "https://example.test/api/v4")
	k2 := DeriveKey("tok-A", "https://example.test/api/v4")
	k3 := DeriveKey("tok-B", "https://example.test/api/v4")
	k4 := DeriveKey("tok-A", "https://other.test/api/v4")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
	assert.Len(t, k1.Prefix(), 12)
}

func TestResolveNormalizesBeforeKeying(t *testing.T) {
	store, validations := newTestStore(nil)
	ctx := context.Background()

	first, err := store.Resolve(ctx, "tok-A", "https://example.test")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/api/v4", first.BaseURL())

	// Already-normalized spelling of the same pair maps to the same record.
	second, err := store.Resolve(ctx, "tok-A", "https://example.test/api/v4")
	require.NoError(t, err)
	assert.Equal(t, first.Key(), second.Key())
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), validations.Load(), "second resolve must not re-validate")
}

func TestResolveIsIdempotent(t *testing.T) {
	store, validations := newTestStore(nil)
	ctx := context.Background()

	first, err := store.Resolve(ctx, "tok-A", "https://example.test")
	require.NoError(t, err)
	second, err := store.Resolve(ctx, "tok-A", "https://example.test")
	require.NoError(t, err)

	assert.Same(t, first.Client(), second.Client(), "upstream client must be reused")
	assert.Equal(t, int64(1), validations.Load())
	assert.Equal(t, 1, store.Len())
}

func TestConcurrentResolveCreatesOneRecord(t *testing.T) {
	slow := func(ctx context.Context, c *gitlab.Client) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	store, validations := newTestStore(slow)
	ctx := context.Background()

	const n = 32
	records := make([]*Record, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], errs[i] = store.Resolve(ctx, "tok-A", "https://example.test")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}

	assert.Equal(t, int64(1), validations.Load(), "exactly one validation call")
	assert.Equal(t, 1, store.Len(), "exactly one record")
	for i := 1; i < n; i++ {
		assert.Same(t, records[0], records[i])
	}
}

func TestResolveFailureInsertsNothing(t *testing.T) {
	store, validations := newTestStore(func(ctx context.Context, c *gitlab.Client) error {
		return gwerrors.TokenExpired()
	})

	_, err := store.Resolve(context.Background(), "tok-bad", "https://example.test")
	require.Error(t, err)
	assert.True(t, gwerrors.IsTag(err, gwerrors.TagTokenExpired), "classification preserved unchanged")
	assert.Equal(t, 0, store.Len())

	// A later resolve of the same pair probes again rather than caching the
	// failure.
	_, err = store.Resolve(context.Background(), "tok-bad", "https://example.test")
	require.Error(t, err)
	assert.Equal(t, int64(2), validations.Load())
}

func TestResolveRejectsUnsupportedVersion(t *testing.T) {
	store, validations := newTestStore(nil)

	_, err := store.Resolve(context.Background(), "tok-A", "https://example.test/api/v3")
	require.Error(t, err)
	assert.Equal(t, int64(0), validations.Load(), "rejected before any upstream call")
	assert.Equal(t, 0, store.Len())
}

func TestRehandshakeIssuesFreshSessionID(t *testing.T) {
	store, _ := newTestStore(nil)
	rec, err := store.Resolve(context.Background(), "tok-A", "https://example.test")
	require.NoError(t, err)

	firstID, firstCount := rec.Handshake(&protocol.ClientInfo{Name: "client", Version: "1.0"})
	assert.True(t, rec.Initialized())
	assert.Equal(t, 1, firstCount)
	assert.NotEmpty(t, firstID)

	secondID, secondCount := rec.Handshake(&protocol.ClientInfo{Name: "client", Version: "1.0"})
	assert.NotEqual(t, firstID, secondID, "session id is never reused")
	assert.Equal(t, 2, secondCount, "counter advances by exactly one")
	assert.True(t, rec.Initialized())
}

func TestEvictAndResetAreTotal(t *testing.T) {
	store, _ := newTestStore(nil)

	assert.False(t, store.Evict(Key("missing")))
	assert.False(t, store.ResetInitialization(Key("missing")))

	rec, err := store.Resolve(context.Background(), "tok-A", "https://example.test")
	require.NoError(t, err)
	rec.Handshake(nil)
	key := rec.Key()

	assert.True(t, store.ResetInitialization(key))
	assert.False(t, rec.Initialized())
	assert.Empty(t, rec.ProtocolSessionID(), "uninitialized record has no protocol session id")
	assert.Equal(t, 1, rec.InitializationCount(), "counter survives reset")

	assert.True(t, store.Evict(key))
	assert.False(t, store.Evict(key), "second evict is a no-op, not an error")
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	store, _ := newTestStore(nil)
	rec, err := store.Resolve(context.Background(), "tok-A", "https://example.test")
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	rec.Touch(later)
	rec.Touch(later.Add(-30 * time.Minute))
	assert.Equal(t, later, rec.LastActivity())
}

func TestSnapshotRedactsKey(t *testing.T) {
	store, _ := newTestStore(nil)
	rec, err := store.Resolve(context.Background(), "tok-secret", "https://example.test")
	require.NoError(t, err)
	rec.Handshake(&protocol.ClientInfo{Name: "editor", Version: "2.1"})

	summaries := store.Snapshot()
	require.Len(t, summaries, 1)
	s := summaries[0]
	assert.Equal(t, rec.Key().Prefix(), s.KeyPrefix)
	assert.NotContains(t, s.KeyPrefix, "tok-secret")
	assert.Len(t, s.KeyPrefix, 12)
	assert.Equal(t, "editor", s.ClientName)
	assert.True(t, s.Initialized)
}

func TestResolveByPrefix(t *testing.T) {
	store, _ := newTestStore(nil)
	rec, err := store.Resolve(context.Background(), "tok-A", "https://example.test")
	require.NoError(t, err)

	key, ok := store.ResolveByPrefix(rec.Key().Prefix())
	require.True(t, ok)
	assert.Equal(t, rec.Key(), key)

	_, ok = store.ResolveByPrefix("ffffffffffff")
	assert.False(t, ok)
}

func TestLifecycleCallbacks(t *testing.T) {
	var created, evicted []Key
	store := NewStore(Options{
		NewClient: func(creds gitlab.Credentials) *gitlab.Client {
			return gitlab.NewClient(creds, time.Second, gitlab.Hooks{})
		},
		Validate: func(ctx context.Context, c *gitlab.Client) error { return nil },
		OnCreate: func(k Key) { created = append(created, k) },
		OnEvict:  func(k Key) { evicted = append(evicted, k) },
	})

	rec, err := store.Resolve(context.Background(), "tok-A", "https://example.test")
	require.NoError(t, err)
	store.Evict(rec.Key())

	assert.Equal(t, []Key{rec.Key()}, created)
	assert.Equal(t, []Key{rec.Key()}, evicted)
}
