package acme

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
)

func newClientTestServer(t *testing.T, postHandler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	var selfURL string
	var nonceCount int32

	mux := http.NewServeMux()
	srv := httptest.NewUnstartedServer(mux)
	mux.HandleFunc("/new-nonce", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&nonceCount, 1)
		w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", n))
	})
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"newNonce":"%s/new-nonce","newAccount":"%s/new-acct","newOrder":"%s/new-order","revokeCert":"%s/revoke","keyChange":"%s/key-change"}`,
			selfURL, selfURL, selfURL, selfURL, selfURL)
	})
	mux.HandleFunc("/new-order", postHandler)
	srv.Start()
	selfURL = srv.URL

	log := logger.New()
	dirCache := NewDirectoryCache(srv.URL+"/directory", srv.Client(), log)
	nonces := NewNoncePool(dirCache, srv.Client(), 2, log)
	client := NewClient(srv.Client(), dirCache, nonces, log)
	return srv, client
}

func TestClientPostKIDSucceeds(t *testing.T) {
	srv, client := newClientTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var jws JWS
		if err := json.NewDecoder(r.Body).Decode(&jws); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		w.Header().Set("Replay-Nonce", "post-response-nonce")
		w.Header().Set("Location", "https://ca/order/1")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"pending"}`))
	})
	defer srv.Close()

	key, err := GenerateAccountKey("ecdsa-p256")
	if err != nil {
		t.Fatalf("GenerateAccountKey: %v", err)
	}
	dir, err := client.Directory(testContext())
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}

	resp, err := client.PostKID(testContext(), key, "https://ca/acct/1", dir.NewOrder, []byte(`{"identifiers":[]}`))
	if err != nil {
		t.Fatalf("PostKID: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
	}
	if resp.Location != "https://ca/order/1" {
		t.Errorf("Location = %q, want https://ca/order/1", resp.Location)
	}
}

func TestClientRetriesOnceOnBadNonce(t *testing.T) {
	var attempts int32
	srv, client := newClientTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(ProblemDetails{Type: ErrorTypeBadNonce, Detail: "nonce expired"})
			return
		}
		w.Header().Set("Replay-Nonce", "fresh-nonce")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"pending"}`))
	})
	defer srv.Close()

	key, err := GenerateAccountKey("ecdsa-p256")
	if err != nil {
		t.Fatalf("GenerateAccountKey: %v", err)
	}
	dir, err := client.Directory(testContext())
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}

	resp, err := client.PostKID(testContext(), key, "https://ca/acct/1", dir.NewOrder, []byte(`{}`))
	if err != nil {
		t.Fatalf("PostKID: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200 after retry", resp.StatusCode)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("attempts = %d, want exactly 2 (one retry)", attempts)
	}
}

func TestClientDoesNotRetryOnNonNonceError(t *testing.T) {
	var attempts int32
	srv, client := newClientTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(ProblemDetails{Type: ErrorTypeUnauthorized, Detail: "account deactivated"})
	})
	defer srv.Close()

	key, err := GenerateAccountKey("ecdsa-p256")
	if err != nil {
		t.Fatalf("GenerateAccountKey: %v", err)
	}
	dir, err := client.Directory(testContext())
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}

	_, err = client.PostKID(testContext(), key, "https://ca/acct/1", dir.NewOrder, []byte(`{}`))
	if err == nil {
		t.Fatal("expected an error for an unauthorized response")
	}
	ae, ok := err.(*acmeerr.Error)
	if !ok || ae.Kind != acmeerr.KindUnauthorized {
		t.Errorf("error = %v, want KindUnauthorized", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("attempts = %d, want exactly 1 (no retry on non-nonce error)", attempts)
	}
}

func TestClientThreadsRetryAfterIntoRateLimitedError(t *testing.T) {
	srv, client := newClientTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(ProblemDetails{Type: ErrorTypeRateLimited, Detail: "too many requests"})
	})
	defer srv.Close()

	key, err := GenerateAccountKey("ecdsa-p256")
	if err != nil {
		t.Fatalf("GenerateAccountKey: %v", err)
	}
	dir, err := client.Directory(testContext())
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}

	_, err = client.PostKID(testContext(), key, "https://ca/acct/1", dir.NewOrder, []byte(`{}`))
	if err == nil {
		t.Fatal("expected an error for a rate-limited response")
	}
	ae, ok := err.(*acmeerr.Error)
	if !ok || ae.Kind != acmeerr.KindRateLimited {
		t.Fatalf("error = %v, want KindRateLimited", err)
	}
	if ae.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %v, want 5s from the response header", ae.RetryAfter)
	}
}

func TestClientRateLimitedWithoutRetryAfterHeaderDefaultsToZero(t *testing.T) {
	srv, client := newClientTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(ProblemDetails{Type: ErrorTypeRateLimited, Detail: "too many requests"})
	})
	defer srv.Close()

	key, err := GenerateAccountKey("ecdsa-p256")
	if err != nil {
		t.Fatalf("GenerateAccountKey: %v", err)
	}
	dir, err := client.Directory(testContext())
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}

	_, err = client.PostKID(testContext(), key, "https://ca/acct/1", dir.NewOrder, []byte(`{}`))
	ae, ok := err.(*acmeerr.Error)
	if !ok || ae.Kind != acmeerr.KindRateLimited {
		t.Fatalf("error = %v, want KindRateLimited", err)
	}
	if ae.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0 when the CA sends no Retry-After header", ae.RetryAfter)
	}
}

func TestClientPostAsGetSendsEmptyPayload(t *testing.T) {
	var gotPayload string
	srv, client := newClientTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var jws JWS
		json.NewDecoder(r.Body).Decode(&jws)
		gotPayload = jws.Payload
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"valid"}`))
	})
	defer srv.Close()

	key, err := GenerateAccountKey("ecdsa-p256")
	if err != nil {
		t.Fatalf("GenerateAccountKey: %v", err)
	}
	dir, err := client.Directory(testContext())
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}

	if _, err := client.PostAsGet(testContext(), key, "https://ca/acct/1", dir.NewOrder); err != nil {
		t.Fatalf("PostAsGet: %v", err)
	}
	if gotPayload != "" {
		t.Errorf("payload = %q, want empty (POST-as-GET)", gotPayload)
	}
}
