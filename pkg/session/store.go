package session

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gitlab-mcp/gateway/pkg/gitlab"
	"github.com/gitlab-mcp/gateway/pkg/logging"
)

// ClientFactory builds an upstream client for a normalized credential pair
type ClientFactory func(creds gitlab.Credentials) *gitlab.Client

// ValidateFunc probes a credential once and classifies the outcome
type ValidateFunc func(ctx context.Context, client *gitlab.Client) error

// Options configures a Store
type Options struct {
	// NewClient builds the per-session upstream client. Required.
	NewClient ClientFactory
	// Validate classifies a new credential pair. Required.
	Validate ValidateFunc
	// Logger receives store lifecycle events. Defaults to a no-op logger.
	Logger logging.Logger
	// Now overrides the clock, for tests
	Now func() time.Time

	// OnCreate and OnEvict observe record lifecycle, e.g. for metrics.
	// Optional.
	OnCreate func(Key)
	OnEvict  func(Key)
}

// Store is the concurrent-safe session table. It owns creation, lookup,
// activity refresh, eviction and initialization reset; the reaper and the
// administrative surface go through the same operations, never around them.
type Store struct {
	records *recordMap

	group     singleflight.Group
	newClient ClientFactory
	validate  ValidateFunc
	logger    logging.Logger
	now       func() time.Time

	onCreate func(Key)
	onEvict  func(Key)
}

// NewStore creates an empty session store
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		records:   newRecordMap(),
		newClient: opts.NewClient,
		validate:  opts.Validate,
		logger:    logger.WithFields(logging.String("component", "session-store")),
		now:       now,
		onCreate:  opts.OnCreate,
		onEvict:   opts.OnEvict,
	}
}

// Resolve returns the session record for the given credential pair, creating
// and validating it on first sight. Concurrent resolves of the same unseen
// pair are collapsed into one validation call; the losers observe the
// winner's record. A non-valid classification is returned unchanged and
// nothing is inserted.
func (s *Store) Resolve(ctx context.Context, token, rawBaseURL string) (*Record, error) {
	normalized, err := gitlab.NormalizeBaseURL(rawBaseURL)
	if err != nil {
		return nil, err
	}
	key := DeriveKey(token, normalized)

	if rec, ok := s.records.get(key); ok {
		rec.Touch(s.now())
		return rec, nil
	}

	v, err, _ := s.group.Do(string(key), func() (interface{}, error) {
		// A concurrent winner may have inserted between our lookup and the
		// flight start.
		if rec, ok := s.records.get(key); ok {
			return rec, nil
		}

		client := s.newClient(gitlab.Credentials{Token: token, BaseURL: normalized})
		if err := s.validate(ctx, client); err != nil {
			return nil, err
		}

		rec := newRecord(key, client, normalized, s.now())
		s.records.insert(key, rec)
		if s.onCreate != nil {
			s.onCreate(key)
		}
		s.logger.Info("session created",
			logging.String("key_prefix", key.Prefix()),
			logging.String("base_url", normalized))
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	rec := v.(*Record)
	rec.Touch(s.now())
	return rec, nil
}

// Get returns the record for a key without refreshing activity
func (s *Store) Get(key Key) (*Record, bool) {
	return s.records.get(key)
}

// Touch refreshes lastActivity for a key. No-op for a missing key.
func (s *Store) Touch(key Key) {
	if rec, ok := s.records.get(key); ok {
		rec.Touch(s.now())
	}
}

// Evict removes a record. Returns whether anything was removed; safe to call
// concurrently with a reaper sweep or a repeated administrative request.
func (s *Store) Evict(key Key) bool {
	removed := s.records.remove(key)
	if removed {
		if s.onEvict != nil {
			s.onEvict(key)
		}
		s.logger.Info("session evicted", logging.String("key_prefix", key.Prefix()))
	}
	return removed
}

// ResetInitialization clears the handshake state of a record while keeping
// its upstream client and activity history. Returns whether a record existed.
func (s *Store) ResetInitialization(key Key) bool {
	rec, ok := s.records.get(key)
	if !ok {
		return false
	}
	rec.reset()
	s.logger.Info("session initialization reset", logging.String("key_prefix", key.Prefix()))
	return true
}

// ResolveByPrefix finds the full key for a redacted prefix, as returned by
// Snapshot. Administrative endpoints accept prefixes so the full digest
// never leaves the process.
func (s *Store) ResolveByPrefix(prefix string) (Key, bool) {
	for _, key := range s.Keys() {
		if key.Prefix() == prefix || string(key) == prefix {
			return key, true
		}
	}
	return "", false
}

// Keys returns a point-in-time snapshot of all keys
func (s *Store) Keys() []Key {
	return s.records.keys()
}

// Len returns the number of live records
func (s *Store) Len() int {
	return s.records.len()
}

// Snapshot returns the redacted diagnostic listing, ordered by key prefix
// for stable output.
func (s *Store) Snapshot() []Summary {
	keys := s.records.keys()
	summaries := make([]Summary, 0, len(keys))
	for _, key := range keys {
		if rec, ok := s.records.get(key); ok {
			summaries = append(summaries, rec.summary())
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].KeyPrefix < summaries[j].KeyPrefix
	})
	return summaries
}
