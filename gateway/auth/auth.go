package auth

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxAllowedTimestampSkew = 2 * time.Minute
	defaultNonceWindow      = 10 * time.Minute
	defaultNonceCapacity    = 4096
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator struct {
	secrets              map[string]string
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nonceCapacity        int
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*nonceStore
}

// NewAuthenticator builds an Authenticator keyed by the provided secrets. The
// map contains API key identifiers mapped to their shared secret.
func NewAuthenticator(secrets map[string]string, skew, nonceTTL time.Duration, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 || skew > maxAllowedTimestampSkew {
		skew = maxAllowedTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	return &Authenticator{
		secrets:              cloned,
		allowedTimestampSkew: skew,
		nonceTTL:             nonceTTL,
		nonceCapacity:        defaultNonceCapacity,
		nowFn:                nowFn,
		nonces:               make(map[string]*nonceStore),
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.allowedTimestampSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.registerNonce(apiKey, timestampHeader, nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey}, nil
}

// registerNonce reports whether the timestamp+nonce pair was already seen
// within the replay window.
func (a *Authenticator) registerNonce(apiKey, timestamp, nonce string, now time.Time) bool {
	store := a.nonceStore(apiKey)
	composite := timestamp + "|" + nonce
	if store.Contains(composite, now) {
		return true
	}
	store.Add(composite, now)
	return false
}

func (a *Authenticator) nonceStore(apiKey string) *nonceStore {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	store, ok := a.nonces[apiKey]
	if !ok {
		store = newNonceStore(a.nonceTTL, a.nonceCapacity)
		a.nonces[apiKey] = store
	}
	return store
}

// CanonicalRequestPath returns the signed request path including a normalised
// query string.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable HMAC signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature derives the HMAC-SHA256 signature over the canonical
// request payload.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// nonceStore is a TTL and capacity bounded set of recently seen nonces.
type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (s *nonceStore) Contains(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	_, ok := s.entries[key]
	return ok
}

func (s *nonceStore) Add(key string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	if _, ok := s.entries[key]; ok {
		return
	}
	for s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest)
	}
	s.entries[key] = s.order.PushBack(nonceEntry{key: key, ts: now})
}

func (s *nonceStore) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.ttl)
	for {
		front := s.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if entry.ts.After(cutoff) {
			return
		}
		s.removeLocked(front)
	}
}

func (s *nonceStore) removeLocked(elem *list.Element) {
	entry := elem.Value.(nonceEntry)
	s.order.Remove(elem)
	delete(s.entries, entry.key)
}
