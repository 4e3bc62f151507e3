package httpmiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(RateLimitConfig{Max: limit, Window: window})
	l.now = clock.Now
	return l, clock
}

func doRequest(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	l, _ := newTestLimiter(5, time.Minute)
	h := l.Middleware()(okHandler())

	for i := range 5 {
		w := doRequest(h, "192.168.1.1:12345")
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(4-i), w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	l, _ := newTestLimiter(2, time.Minute)
	h := l.Middleware()(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, doRequest(h, "10.0.0.1:9999").Code)
	}

	w := doRequest(h, "10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	var (
		code    int
		message string
	)
	err := jx.DecodeBytes(w.Body.Bytes()).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "code":
			code, err = d.Int()
		case "message":
			message, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", message)
}

func TestRateLimit_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	h := l.Middleware()(okHandler())

	assert.Equal(t, http.StatusOK, doRequest(h, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(h, "10.0.0.1:2").Code)
	assert.Equal(t, http.StatusOK, doRequest(h, "10.0.0.2:1").Code)
}

func TestRateLimit_SlidingWindow(t *testing.T) {
	l, clock := newTestLimiter(4, time.Minute)
	h := l.Middleware()(okHandler())

	for range 4 {
		require.Equal(t, http.StatusOK, doRequest(h, "10.0.0.1:1").Code)
	}
	require.Equal(t, http.StatusTooManyRequests, doRequest(h, "10.0.0.1:1").Code)

	// A quarter into the next window three quarters of the previous count
	// still applies: 4*0.75 = 3, leaving room for one request.
	clock.Advance(time.Minute + 15*time.Second)
	assert.Equal(t, http.StatusOK, doRequest(h, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(h, "10.0.0.1:1").Code)

	// Two windows later nothing is carried over.
	clock.Advance(2 * time.Minute)
	for range 4 {
		assert.Equal(t, http.StatusOK, doRequest(h, "10.0.0.1:1").Code)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	l, _ := newTestLimiter(0, time.Minute)
	h := l.Middleware()(okHandler())

	for range 10 {
		w := doRequest(h, "10.0.0.1:1")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_Evict(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)
	_, _, ok := l.allow("a")
	require.True(t, ok)
	clock.Advance(90 * time.Second)
	_, _, ok = l.allow("b")
	require.True(t, ok)

	clock.Advance(90 * time.Second)
	l.evict()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.keys, "a")
	assert.Contains(t, l.keys, "b")
}

func TestRateLimit_RunStops(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{Max: 1, Window: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "RemoteAddr", remote: "1.2.3.4:5678", want: "1.2.3.4"},
		{name: "ForwardedList", headers: map[string]string{"X-Forwarded-For": "9.9.9.9, 10.0.0.1"}, remote: "1.2.3.4:1", want: "9.9.9.9"},
		{name: "ForwardedSingle", headers: map[string]string{"X-Forwarded-For": " 9.9.9.9 "}, remote: "1.2.3.4:1", want: "9.9.9.9"},
		{name: "RealIP", headers: map[string]string{"X-Real-IP": "8.8.8.8"}, remote: "1.2.3.4:1", want: "8.8.8.8"},
		{name: "NoPort", remote: "1.2.3.4", want: "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}
