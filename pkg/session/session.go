// Package session implements the credential-keyed session table and its idle
// reaper. One Record exists per distinct credential pair; creation is
// single-flighted so concurrent first-requests validate upstream exactly
// once.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitlab-mcp/gateway/pkg/gitlab"
	"github.com/gitlab-mcp/gateway/pkg/protocol"
)

// Key is the derived, stable session identity: a digest of the credential
// pair. The raw token never appears in logs or diagnostics; only Prefix is
// exposed.
type Key string

// DeriveKey combines the token and the normalized base URL into a stable key.
// The same pair always yields the same key.
func DeriveKey(token, normalizedBaseURL string) Key {
	sum := sha256.Sum256([]byte(token + "\n" + normalizedBaseURL))
	return Key(hex.EncodeToString(sum[:]))
}

// Prefix returns the short redacted form of the key used in diagnostics and
// in the administrative endpoints.
func (k Key) Prefix() string {
	const n = 12
	if len(k) < n {
		return string(k)
	}
	return string(k[:n])
}

// Record is the per-credential-pair session state. All mutation goes through
// its methods; the embedded mutex is the only serialization mechanism.
type Record struct {
	mu sync.Mutex

	key     Key
	client  *gitlab.Client
	baseURL string

	createdAt    time.Time
	lastActivity time.Time

	protocolSessionID   string
	initialized         bool
	initializationCount int
	clientInfo          *protocol.ClientInfo
}

func newRecord(key Key, client *gitlab.Client, baseURL string, now time.Time) *Record {
	return &Record{
		key:          key,
		client:       client,
		baseURL:      baseURL,
		createdAt:    now,
		lastActivity: now,
	}
}

// Key returns the record's derived identity
func (r *Record) Key() Key { return r.key }

// Client returns the upstream client bound to this session. Created once,
// reused for the record's lifetime.
func (r *Record) Client() *gitlab.Client { return r.client }

// BaseURL returns the normalized upstream base URL
func (r *Record) BaseURL() string { return r.baseURL }

// Touch advances lastActivity. It never moves the timestamp backwards.
func (r *Record) Touch(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.After(r.lastActivity) {
		r.lastActivity = now
	}
}

// LastActivity returns the current activity timestamp
func (r *Record) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Handshake performs the protocol handshake on this record. A repeated
// handshake is always allowed: the old protocol session id is discarded, a
// fresh one is issued, and the counter advances. Returns the new id and the
// total handshake count.
func (r *Record) Handshake(info *protocol.ClientInfo) (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.protocolSessionID = uuid.NewString()
	r.initialized = true
	r.initializationCount++
	r.clientInfo = info
	return r.protocolSessionID, r.initializationCount
}

// Initialized reports whether a handshake has completed and not been reset
func (r *Record) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// ProtocolSessionID returns the current protocol session id, empty before
// the first handshake and after a reset.
func (r *Record) ProtocolSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.protocolSessionID
}

// InitializationCount returns how many handshakes this record has served
func (r *Record) InitializationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initializationCount
}

// reset clears the initialization state while keeping the upstream client
// and the activity history.
func (r *Record) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = false
	r.protocolSessionID = ""
	r.clientInfo = nil
}

// Summary is the redacted diagnostic view of one record
type Summary struct {
	KeyPrefix           string    `json:"keyPrefix"`
	BaseURL             string    `json:"baseUrl"`
	Initialized         bool      `json:"initialized"`
	InitializationCount int       `json:"initializationCount"`
	ClientName          string    `json:"clientName,omitempty"`
	ClientVersion       string    `json:"clientVersion,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	LastActivity        time.Time `json:"lastActivity"`
}

func (r *Record) summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		KeyPrefix:           r.key.Prefix(),
		BaseURL:             r.baseURL,
		Initialized:         r.initialized,
		InitializationCount: r.initializationCount,
		CreatedAt:           r.createdAt,
		LastActivity:        r.lastActivity,
	}
	if r.clientInfo != nil {
		s.ClientName = r.clientInfo.Name
		s.ClientVersion = r.clientInfo.Version
	}
	return s
}
