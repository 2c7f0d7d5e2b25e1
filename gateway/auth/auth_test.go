package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const (
	testKey    = "partner-one"
	testSecret = "partner-one-secret"
)

type fakePersistence struct {
	mu      sync.Mutex
	records map[string]NonceRecord
	pruned  []time.Time
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: make(map[string]NonceRecord)}
}

func (f *fakePersistence) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := record.APIKey + "|" + record.Timestamp + "|" + record.Nonce
	if _, ok := f.records[key]; ok {
		return true, nil
	}
	f.records[key] = record
	return false, nil
}

func (f *fakePersistence) RecentNonces(_ context.Context, cutoff time.Time) ([]NonceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []NonceRecord
	for _, rec := range f.records {
		if !rec.ObservedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakePersistence) PruneNonces(_ context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, cutoff)
	for key, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(f.records, key)
		}
	}
	return nil
}

func newTestAuthenticator(t *testing.T, now func() time.Time, persistence NoncePersistence) *Authenticator {
	t.Helper()
	return NewAuthenticator(map[string]string{testKey: testSecret}, time.Minute, 5*time.Minute, 128, now, persistence)
}

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, func() time.Time { return base }, nil)

	body := []byte(`{"jsonrpc":"2.0","method":"svt_sendTransaction"}`)
	req := httptest.NewRequest("POST", "/v1/transactions/send", nil)
	timestamp := fmt.Sprintf("%d", base.Unix())
	sig := ComputeSignature(testSecret, timestamp, "nonce-1", "POST", CanonicalRequestPath(req), body)
	req.Header.Set(HeaderAPIKey, testKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	principal, err := auth.Authenticate(req, body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != testKey {
		t.Fatalf("principal key = %q, want %q", principal.APIKey, testKey)
	}
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, func() time.Time { return base }, nil)

	body := []byte(`{}`)
	req := httptest.NewRequest("POST", "/v1/transactions/send", nil)
	timestamp := fmt.Sprintf("%d", base.Unix())
	sig := ComputeSignature("wrong-secret", timestamp, "nonce-1", "POST", CanonicalRequestPath(req), body)
	req.Header.Set(HeaderAPIKey, testKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	if _, err := auth.Authenticate(req, body); err == nil {
		t.Fatal("expected signature rejection")
	}
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, func() time.Time { return base }, nil)

	req := httptest.NewRequest("POST", "/v1/transactions/send", nil)
	req.Header.Set(HeaderAPIKey, "who-is-this")
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", base.Unix()))
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, "00")

	if _, err := auth.Authenticate(req, nil); err == nil {
		t.Fatal("expected unknown key rejection")
	}
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, func() time.Time { return base }, nil)

	stale := base.Add(-10 * time.Minute)
	req := httptest.NewRequest("POST", "/v1/transactions/send", nil)
	timestamp := fmt.Sprintf("%d", stale.Unix())
	sig := ComputeSignature(testSecret, timestamp, "nonce-1", "POST", CanonicalRequestPath(req), nil)
	req.Header.Set(HeaderAPIKey, testKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	if _, err := auth.Authenticate(req, nil); err == nil {
		t.Fatal("expected stale timestamp rejection")
	}
}

func TestAuthenticateRejectsReplayedNonce(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, func() time.Time { return base }, nil)

	sign := func(timestamp, nonce string) *Principal {
		req := httptest.NewRequest("POST", "/v1/transactions/send", nil)
		sig := ComputeSignature(testSecret, timestamp, nonce, "POST", CanonicalRequestPath(req), nil)
		req.Header.Set(HeaderAPIKey, testKey)
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderNonce, nonce)
		req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
		principal, err := auth.Authenticate(req, nil)
		if err != nil {
			return nil
		}
		return principal
	}

	timestamp := fmt.Sprintf("%d", base.Unix())
	if sign(timestamp, "nonce-1") == nil {
		t.Fatal("first request should authenticate")
	}
	if sign(timestamp, "nonce-1") != nil {
		t.Fatal("replayed nonce should be rejected")
	}
}

func TestAuthenticateRejectsNonIncreasingTimestamp(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, func() time.Time { return base }, nil)

	send := func(timestamp, nonce string) error {
		req := httptest.NewRequest("POST", "/v1/transactions/send", nil)
		sig := ComputeSignature(testSecret, timestamp, nonce, "POST", CanonicalRequestPath(req), nil)
		req.Header.Set(HeaderAPIKey, testKey)
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderNonce, nonce)
		req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
		_, err := auth.Authenticate(req, nil)
		return err
	}

	first := fmt.Sprintf("%d", base.Unix())
	if err := send(first, "nonce-1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	earlier := fmt.Sprintf("%d", base.Add(-10*time.Second).Unix())
	if err := send(earlier, "nonce-2"); err == nil {
		t.Fatal("expected non-increasing timestamp rejection")
	}
}

func TestAuthenticatePersistsNonces(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	persistence := newFakePersistence()
	auth := newTestAuthenticator(t, func() time.Time { return base }, persistence)

	req := httptest.NewRequest("POST", "/v1/transactions/send", nil)
	timestamp := fmt.Sprintf("%d", base.Unix())
	sig := ComputeSignature(testSecret, timestamp, "nonce-1", "POST", CanonicalRequestPath(req), nil)
	req.Header.Set(HeaderAPIKey, testKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	if _, err := auth.Authenticate(req, nil); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if len(persistence.records) != 1 {
		t.Fatalf("persisted records = %d, want 1", len(persistence.records))
	}
}

func TestAuthenticateDetectsReplayAcrossRestart(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	persistence := newFakePersistence()
	auth := newTestAuthenticator(t, func() time.Time { return base }, persistence)

	makeRequest := func(nonce string) (*Principal, error) {
		req := httptest.NewRequest("POST", "/v1/transactions/send", nil)
		timestamp := fmt.Sprintf("%d", base.Unix())
		sig := ComputeSignature(testSecret, timestamp, nonce, "POST", CanonicalRequestPath(req), nil)
		req.Header.Set(HeaderAPIKey, testKey)
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderNonce, nonce)
		req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
		return auth.Authenticate(req, nil)
	}

	if _, err := makeRequest("nonce-1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	// Fresh authenticator with an empty in-memory cache but the same store.
	auth = newTestAuthenticator(t, func() time.Time { return base }, persistence)
	if _, err := makeRequest("nonce-1"); err == nil {
		t.Fatal("expected replay detection via persistence")
	}
}

func TestHydrateNoncesWarmsCache(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	persistence := newFakePersistence()
	timestamp := fmt.Sprintf("%d", base.Unix())
	persistence.records[testKey+"|"+timestamp+"|nonce-1"] = NonceRecord{
		APIKey:     testKey,
		Timestamp:  timestamp,
		Nonce:      "nonce-1",
		ObservedAt: base,
	}

	auth := newTestAuthenticator(t, func() time.Time { return base }, persistence)
	if err := auth.HydrateNonces(context.Background(), base.Add(-5*time.Minute)); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if !auth.nonceStore(testKey).Contains(timestamp+"|nonce-1", base) {
		t.Fatal("hydrated nonce missing from cache")
	}
}

func TestCanonicalQuerySortsTerms(t *testing.T) {
	got := CanonicalQuery("b=2&a=1&c=3")
	want := "a=1&b=2&c=3"
	if got != want {
		t.Fatalf("canonical query = %q, want %q", got, want)
	}
}

func TestNonceStoreEvictsByCapacity(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	store := newNonceStore(time.Hour, 2)
	store.Add("a", base)
	store.Add("b", base.Add(time.Second))
	store.Add("c", base.Add(2*time.Second))

	if store.Contains("a", base.Add(3*time.Second)) {
		t.Fatal("oldest entry should have been evicted")
	}
	if !store.Contains("c", base.Add(3*time.Second)) {
		t.Fatal("newest entry should remain")
	}
}

func TestNonceStoreExpiresByTTL(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	store := newNonceStore(time.Minute, 16)
	store.Add("a", base)

	if store.Contains("a", base.Add(2*time.Minute)) {
		t.Fatal("entry should have expired")
	}
}
