package executors

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
)

func newLocalExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: &http.Client{Timeout: 5 * time.Second}}
}

func TestAttempt_2xxIsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newLocalExecutor()
	out := h.attempt(t.Context(), trigger.ActionSpec{HTTPMethod: "POST", HTTPURL: srv.URL}, "", 5*time.Second)
	if out.Status != actionjob.ResultOK {
		t.Fatalf("expected ok outcome, got %+v", out)
	}
}

func TestAttempt_5xxIsTransientWithStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := newLocalExecutor()
	out := h.attempt(t.Context(), trigger.ActionSpec{HTTPMethod: "POST", HTTPURL: srv.URL}, "", 5*time.Second)
	if out.Status != actionjob.ResultTransientFail {
		t.Fatalf("expected transient outcome for 502, got %+v", out)
	}
	if out.HTTPStatus == nil || *out.HTTPStatus != http.StatusBadGateway {
		t.Fatalf("expected HTTPStatus 502 recorded, got %+v", out.HTTPStatus)
	}
}

func TestAttempt_4xxIsPermanentAndAttributable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := newLocalExecutor()
	out := h.attempt(t.Context(), trigger.ActionSpec{HTTPMethod: "POST", HTTPURL: srv.URL}, "", 5*time.Second)
	if out.Status != actionjob.ResultPermanentFail || !out.Attributable {
		t.Fatalf("expected a permanent, attributable outcome for 400, got %+v", out)
	}
}

func TestAttempt_GETOmitsBody(t *testing.T) {
	var gotLen int64 = -1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLen = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newLocalExecutor()
	h.attempt(t.Context(), trigger.ActionSpec{HTTPMethod: "GET", HTTPURL: srv.URL}, `{"hello":"world"}`, 5*time.Second)
	if gotLen > 0 {
		t.Fatalf("expected GET request to omit body, got content-length %d", gotLen)
	}
}

func TestAttempt_HeadersForwardedAndContentTypeDefaulted(t *testing.T) {
	var gotContentType, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newLocalExecutor()
	spec := trigger.ActionSpec{
		HTTPMethod:  "POST",
		HTTPURL:     srv.URL,
		HTTPHeaders: map[string]string{"X-Custom": "abc"},
	}
	h.attempt(t.Context(), spec, `{"a":1}`, 5*time.Second)
	if gotContentType != "application/json" {
		t.Errorf("expected default content-type application/json, got %q", gotContentType)
	}
	if gotCustom != "abc" {
		t.Errorf("expected custom header forwarded, got %q", gotCustom)
	}
}

func TestRetryBackoff_GrowsThenCaps(t *testing.T) {
	d0 := retryBackoff(0)
	d5 := retryBackoff(5)
	if d0 >= d5 {
		t.Errorf("expected backoff to grow with attempt count, got d0=%v d5=%v", d0, d5)
	}
	if d5 > 10*time.Second+250*time.Millisecond {
		t.Errorf("expected backoff capped near 10s, got %v", d5)
	}
}
