package idempotency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func newSubmitRouter(store Store, status *atomic.Int32, calls *atomic.Int32) http.Handler {
	r := chi.NewRouter()
	r.With(Middleware(store)).Post("/checkout/sessions/{sessionID}/submit", func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	})
	return r
}

func submit(router http.Handler, session, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/checkout/sessions/"+session+"/submit", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderName, key)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusOK)
	router := newSubmitRouter(NewMemoryStore(), &status, &calls)

	first := submit(router, "sess-1", "key-1", `{"data":{}}`)
	second := submit(router, "sess-1", "key-1", `{"data":{}}`)

	if calls.Load() != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls.Load())
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("expected replayed body %q, got %q", first.Body.String(), second.Body.String())
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected stored headers to be replayed")
	}
}

func TestMiddlewareScopesKeysBySession(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusOK)
	router := newSubmitRouter(NewMemoryStore(), &status, &calls)

	submit(router, "sess-1", "key-1", "")
	submit(router, "sess-2", "key-1", "")
	if calls.Load() != 2 {
		t.Fatalf("expected separate sessions to run separately, got %d calls", calls.Load())
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusOK)
	router := newSubmitRouter(NewMemoryStore(), &status, &calls)

	submit(router, "sess-1", "key-1", `{"data":{"a":"1"}}`)
	rr := submit(router, "sess-1", "key-1", `{"data":{"a":"2"}}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "idempotency_key_conflict") {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusBadGateway)
	store := NewMemoryStore()
	router := newSubmitRouter(store, &status, &calls)

	submit(router, "sess-1", "key-1", "")
	if store.Len() != 0 {
		t.Fatalf("expected failed response to release the key")
	}
	status.Store(http.StatusOK)
	rr := submit(router, "sess-1", "key-1", "")
	if rr.Code != http.StatusOK || calls.Load() != 2 {
		t.Fatalf("expected retry to run the handler, got status %d after %d calls", rr.Code, calls.Load())
	}
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	var status, calls atomic.Int32
	status.Store(http.StatusOK)
	store := NewMemoryStore()
	router := newSubmitRouter(store, &status, &calls)

	submit(router, "sess-1", "", "")
	submit(router, "sess-1", "", "")
	if calls.Load() != 2 || store.Len() != 0 {
		t.Fatalf("expected pass-through, got %d calls and %d records", calls.Load(), store.Len())
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	state, _, err := store.Reserve(ctx, "k", "fp", now, time.Minute)
	if err != nil || state != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v %v", state, err)
	}
	if state, _, _ = store.Reserve(ctx, "k", "fp", now, time.Minute); state != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %v", state)
	}
	if _, _, err := store.Reserve(ctx, "k", "other", now, time.Minute); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	if err := store.Save(ctx, "k", "fp", Response{Status: http.StatusOK, Body: []byte("ok")}, now, time.Minute); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	state, record, _ := store.Reserve(ctx, "k", "fp", now.Add(30*time.Second), time.Minute)
	if state != ReservationStateCompleted || string(record.Response.Body) != "ok" {
		t.Fatalf("expected completed record, got %v %q", state, record.Response.Body)
	}

	if state, _, _ = store.Reserve(ctx, "k", "fp", now.Add(2*time.Minute), time.Minute); state != ReservationStateNew {
		t.Fatalf("expected expired record to be swept, got %v", state)
	}
	if err := store.Release(ctx, "k", "fp"); err != nil || store.Len() != 0 {
		t.Fatalf("expected release to forget key, err=%v len=%d", err, store.Len())
	}
}
