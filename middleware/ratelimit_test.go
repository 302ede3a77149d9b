package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mnehpets/linkgate/endpoint"
	"github.com/mnehpets/linkgate/ratelimit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler(processors ...endpoint.Processor) http.Handler {
	return endpoint.Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.StringRenderer{Body: "ok"}, nil
	}, processors...)
}

func fixedClock() func() time.Time {
	t := time.Unix(1_700_000_000, 0)
	return func() time.Time { return t }
}

func TestRateLimitProcessor_RejectsAfterLimit(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), nil, ratelimit.WithClock(fixedClock()))
	if err != nil {
		t.Fatal(err)
	}
	h := okHandler(NewRateLimitProcessor(limiter, ratelimit.CategoryAuthorize))

	do := func(addr string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/authorize/github", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	resetAt := strconv.FormatInt(time.Unix(1_700_000_000, 0).Add(15*time.Minute).Unix(), 10)
	for i := 1; i <= 10; i++ {
		w := do("203.0.113.7:1000")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
		if got := w.Header().Get(HeaderRateLimitLimit); got != "10" {
			t.Fatalf("request %d: %s = %q", i, HeaderRateLimitLimit, got)
		}
		if got := w.Header().Get(HeaderRateLimitRemaining); got != strconv.Itoa(10-i) {
			t.Fatalf("request %d: %s = %q", i, HeaderRateLimitRemaining, got)
		}
		if got := w.Header().Get(HeaderRateLimitReset); got != resetAt {
			t.Fatalf("request %d: %s = %q, want %q", i, HeaderRateLimitReset, got, resetAt)
		}
		if got := w.Header().Get(HeaderRetryAfter); got != "" {
			t.Fatalf("request %d: unexpected Retry-After %q", i, got)
		}
	}

	w := do("203.0.113.7:1001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request: expected 429, got %d", w.Code)
	}
	if got := w.Header().Get(HeaderRetryAfter); got != "900" {
		t.Fatalf("Retry-After = %q, want 900", got)
	}
	if got := w.Header().Get(HeaderRateLimitRemaining); got != "0" {
		t.Fatalf("%s = %q, want 0", HeaderRateLimitRemaining, got)
	}
	if strings.Contains(w.Body.String(), "203.0.113.7") {
		t.Fatalf("body leaks client identity: %q", w.Body.String())
	}

	// A different client is unaffected.
	if w := do("198.51.100.20:1000"); w.Code != http.StatusOK {
		t.Fatalf("other client: expected 200, got %d", w.Code)
	}
}

func TestRateLimitProcessor_ErrorIsExceededError(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), map[ratelimit.Category]ratelimit.Policy{
		ratelimit.CategoryCallback: {Limit: 1, Window: time.Minute},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := NewRateLimitProcessor(limiter, ratelimit.CategoryCallback, WithClientKey(func(*http.Request) string { return "fixed" }))
	next := func(http.ResponseWriter, *http.Request) error { return nil }

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := p.Process(httptest.NewRecorder(), r, next); err != nil {
		t.Fatalf("first request: %v", err)
	}
	err = p.Process(httptest.NewRecorder(), r, next)
	if !errors.Is(err, ratelimit.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	var ee *ratelimit.ExceededError
	if !errors.As(err, &ee) || ee.Key.Client != "fixed" || ee.Key.Category != ratelimit.CategoryCallback {
		t.Fatalf("unexpected ExceededError %+v", ee)
	}
	var epErr *endpoint.EndpointError
	if !errors.As(err, &epErr) || epErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 EndpointError, got %v", err)
	}
}

func TestRateLimitProcessor_TrustedProxies(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), map[ratelimit.Category]ratelimit.Policy{
		ratelimit.CategoryAuthorize: {Limit: 1, Window: time.Minute},
	})
	if err != nil {
		t.Fatal(err)
	}
	h := okHandler(NewRateLimitProcessor(limiter, ratelimit.CategoryAuthorize, WithTrustedProxies(1)))

	// Same proxy peer, different forwarded clients.
	for _, client := range []string{"198.51.100.1", "198.51.100.2"} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:443"
		r.Header.Set("X-Forwarded-For", client)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("client %s: expected 200, got %d", client, w.Code)
		}
	}
}

type brokenStore struct{}

func (brokenStore) Increment(context.Context, string, time.Duration, time.Time) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("connection refused")
}

func TestRateLimitProcessor_FailsOpen(t *testing.T) {
	limiter, err := ratelimit.New(brokenStore{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	core, logs := observer.New(zapcore.WarnLevel)
	h := okHandler(NewRateLimitProcessor(limiter, ratelimit.CategoryCallback, WithLogger(zap.New(core))))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	want := strconv.Itoa(ratelimit.DefaultPolicies()[ratelimit.CategoryCallback].Limit)
	if got := w.Header().Get(HeaderRateLimitLimit); got != want {
		t.Fatalf("expected %s %q, got %q", HeaderRateLimitLimit, want, got)
	}
	for _, name := range []string{HeaderRateLimitRemaining, HeaderRateLimitReset, HeaderRetryAfter} {
		if got := w.Header().Get(name); got != "" {
			t.Fatalf("no %s expected without a decision, got %q", name, got)
		}
	}
	if logs.FilterMessage("rate limit store unavailable, admitting request").Len() != 1 {
		t.Fatalf("expected one warning, got %v", logs.All())
	}
}

func TestRateLimitProcessor_UnknownCategory(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), nil)
	if err != nil {
		t.Fatal(err)
	}
	h := okHandler(NewRateLimitProcessor(limiter, ratelimit.Category("token")))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{0, 1},
		{time.Millisecond, 1},
		{time.Second, 1},
		{time.Second + time.Millisecond, 2},
		{15 * time.Minute, 900},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
