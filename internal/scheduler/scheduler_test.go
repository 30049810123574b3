package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shibukawa/acmeclient/internal/certbundle"
	"github.com/shibukawa/acmeclient/internal/logger"
	"github.com/shibukawa/acmeclient/internal/storage"
	"github.com/shibukawa/acmeclient/internal/task"
)

type fakeStore struct {
	mu    sync.Mutex
	certs map[string]storage.CertMeta
	chain map[string][]byte
	key   map[string][]byte

	failedFingerprint string
	failedReason      string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		certs: make(map[string]storage.CertMeta),
		chain: make(map[string][]byte),
		key:   make(map[string][]byte),
	}
}

func (f *fakeStore) SaveAccountKey(ctx context.Context, pkcs8PEM []byte) error      { return nil }
func (f *fakeStore) LoadAccountKey(ctx context.Context) ([]byte, error)            { return nil, errors.New("not found") }
func (f *fakeStore) SaveAccountURL(ctx context.Context, url string) error          { return nil }
func (f *fakeStore) LoadAccountURL(ctx context.Context) (string, error)            { return "", nil }

func (f *fakeStore) SaveCertificate(ctx context.Context, fingerprint string, chainPEM, keyPEM []byte, meta storage.CertMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.certs[fingerprint] = meta
	f.chain[fingerprint] = chainPEM
	f.key[fingerprint] = keyPEM
	return nil
}

func (f *fakeStore) LoadCertificate(ctx context.Context, fingerprint string) ([]byte, []byte, storage.CertMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.certs[fingerprint]
	if !ok {
		return nil, nil, storage.CertMeta{}, errors.New("not found")
	}
	return f.chain[fingerprint], f.key[fingerprint], meta, nil
}

func (f *fakeStore) ListCertificates(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for fp := range f.certs {
		out = append(out, fp)
	}
	return out, nil
}

func (f *fakeStore) MarkRenewalFailed(ctx context.Context, fingerprint string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedFingerprint = fingerprint
	f.failedReason = reason
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) seed(fingerprint string, notAfter time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.certs[fingerprint] = storage.CertMeta{
		NotBefore: notAfter.Add(-90 * 24 * time.Hour).Format(time.RFC3339),
		NotAfter:  notAfter.Format(time.RFC3339),
		Serial:    "01",
	}
}

type fakeRenewer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRenewer) Run(ctx context.Context, identifiers []string, progress func(string)) (*certbundle.Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	now := time.Now()
	return &certbundle.Bundle{
		ChainPEM:  []byte("chain"),
		KeyPEM:    []byte("key"),
		NotBefore: now,
		NotAfter:  now.Add(90 * 24 * time.Hour),
		SerialHex: "02",
	}, nil
}

func (r *fakeRenewer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestClassifyUrgency(t *testing.T) {
	threshold := 30 * 24 * time.Hour
	cases := []struct {
		remaining time.Duration
		want      Urgency
	}{
		{-time.Hour, UrgencyUrgent},
		{12 * time.Hour, UrgencyUrgent},
		{3 * 24 * time.Hour, UrgencyHigh},
		{10 * 24 * time.Hour, UrgencyNormal},
		{60 * 24 * time.Hour, UrgencyLow},
	}
	for _, c := range cases {
		if got := classify(c.remaining, threshold); got != c.want {
			t.Errorf("classify(%v) = %v, want %v", c.remaining, got, c.want)
		}
	}
}

func TestCheckForRenewalsSubmitsDueCertificates(t *testing.T) {
	store := newFakeStore()
	store.seed("example.com", time.Now().Add(5*24*time.Hour))

	tracker := task.NewTracker(2, 10, time.Hour, logger.New())
	defer tracker.Shutdown()

	renewer := &fakeRenewer{}
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour

	s := New(store, tracker, renewer, cfg, logger.New())
	s.checkForRenewals()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && renewer.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if renewer.callCount() != 1 {
		t.Fatalf("renewer called %d times, want 1", renewer.callCount())
	}
}

func TestCheckForRenewalsSkipsCertificatesNotYetDue(t *testing.T) {
	store := newFakeStore()
	store.seed("future.com", time.Now().Add(200*24*time.Hour))

	tracker := task.NewTracker(2, 10, time.Hour, logger.New())
	defer tracker.Shutdown()

	renewer := &fakeRenewer{}
	s := New(store, tracker, renewer, DefaultConfig(), logger.New())
	s.checkForRenewals()

	time.Sleep(100 * time.Millisecond)
	if renewer.callCount() != 0 {
		t.Fatalf("renewer called %d times, want 0 for a certificate well within its threshold", renewer.callCount())
	}
}

func TestMaybeSubmitIsSingleFlightPerFingerprint(t *testing.T) {
	store := newFakeStore()
	tracker := task.NewTracker(1, 10, time.Hour, logger.New())
	defer tracker.Shutdown()

	renewer := &fakeRenewer{}
	s := New(store, tracker, renewer, DefaultConfig(), logger.New())

	// Two concurrent calls for the same fingerprint should not both submit;
	// the second joins the first's singleflight call instead.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.maybeSubmit("dup.com", UrgencyHigh, time.Now()) }()
	go func() { defer wg.Done(); s.maybeSubmit("dup.com", UrgencyHigh, time.Now()) }()
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if c := renewer.callCount(); c < 1 || c > 2 {
		t.Fatalf("renewer called %d times, want 1 or 2 depending on scheduling, never 0", c)
	}
}

func TestRecordFailureAppliesBackoffThenGivesUp(t *testing.T) {
	store := newFakeStore()
	tracker := task.NewTracker(1, 10, time.Hour, logger.New())
	defer tracker.Shutdown()

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.BackoffBase = time.Hour
	cfg.BackoffCap = 4 * time.Hour

	s := New(store, tracker, &fakeRenewer{}, cfg, logger.New())

	cause := errors.New("ca unreachable")
	s.recordFailure("retry.com", cause)

	s.mu.Lock()
	rs := s.retries["retry.com"]
	s.mu.Unlock()
	if rs == nil || rs.attempts != 1 {
		t.Fatalf("after first failure, attempts = %+v, want 1", rs)
	}

	s.recordFailure("retry.com", cause)

	store.mu.Lock()
	failed := store.failedFingerprint
	store.mu.Unlock()
	if failed != "retry.com" {
		t.Errorf("MarkRenewalFailed fingerprint = %q, want %q after exceeding max retries", failed, "retry.com")
	}
}

func TestUpdateConfigPreservesCheckInterval(t *testing.T) {
	store := newFakeStore()
	tracker := task.NewTracker(1, 10, time.Hour, logger.New())
	defer tracker.Shutdown()

	cfg := DefaultConfig()
	cfg.CheckInterval = 2 * time.Hour
	s := New(store, tracker, &fakeRenewer{}, cfg, logger.New())

	s.UpdateConfig(Config{
		RenewalThreshold: 10 * 24 * time.Hour,
		BackoffBase:      time.Minute,
		BackoffCap:       time.Hour,
		MaxRetries:       5,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.CheckInterval != 2*time.Hour {
		t.Errorf("CheckInterval = %v, want preserved 2h", s.cfg.CheckInterval)
	}
	if s.cfg.RenewalThreshold != 10*24*time.Hour {
		t.Errorf("RenewalThreshold = %v, want updated value", s.cfg.RenewalThreshold)
	}
	if s.cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", s.cfg.MaxRetries)
	}
}

func TestSplitFingerprint(t *testing.T) {
	got := splitFingerprint("example.com,www.example.com")
	want := []string{"example.com", "www.example.com"}
	if len(got) != len(want) {
		t.Fatalf("splitFingerprint = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitFingerprint[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
