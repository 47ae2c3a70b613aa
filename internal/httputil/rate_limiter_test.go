package httputil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(limit, window)
	limiter.now = clock.Now
	return limiter, clock
}

func TestRateLimiter_Window(t *testing.T) {
	limiter, clock := newTestLimiter(2, time.Minute)

	ok, _ := limiter.Allow("1.2.3.4")
	assert.True(t, ok)
	ok, _ = limiter.Allow("1.2.3.4")
	assert.True(t, ok)

	ok, retryAfter := limiter.Allow("1.2.3.4")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retryAfter)

	// Other clients have their own bucket
	ok, _ = limiter.Allow("5.6.7.8")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	ok, _ = limiter.Allow("1.2.3.4")
	assert.True(t, ok)
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter, _ := newTestLimiter(0, time.Minute)
	for i := 0; i < 1000; i++ {
		ok, _ := limiter.Allow("1.2.3.4")
		require.True(t, ok)
	}
	assert.Equal(t, 0, limiter.Len())
}

func TestRateLimiter_CleanupPreventsMemoryLeak(t *testing.T) {
	limiter, clock := newTestLimiter(10, 100*time.Millisecond)

	for i := 0; i < 150; i++ {
		limiter.Allow(fmt.Sprintf("192.168.1.%d", i))
	}
	assert.Equal(t, 150, limiter.Len())

	clock.Advance(200 * time.Millisecond)
	limiter.Cleanup()
	assert.Equal(t, 0, limiter.Len())

	// Size-triggered cleanup keeps the map bounded without explicit calls
	for i := 0; i < 1000; i++ {
		limiter.Allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
		if i%150 == 0 {
			clock.Advance(200 * time.Millisecond)
		}
	}
	assert.LessOrEqual(t, limiter.Len(), 201+150)
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter, _ := newTestLimiter(1, 30*time.Second)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", http.NoBody)
	req.RemoteAddr = "203.0.113.7:51234"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "203.0.113.7:51234"
	assert.Equal(t, "203.0.113.7", GetClientIP(req))

	req.Header.Set("X-Forwarded-For", " 198.51.100.1 , 10.0.0.1")
	assert.Equal(t, "198.51.100.1", GetClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", GetClientIP(req))
}

func TestReadBodyStrict(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"ok":true}`))
	body, err := ReadBodyStrict(w, req, 1024)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048)))
	_, err = ReadBodyStrict(w, req, 1024)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	req = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	_, err = ReadBodyStrict(w, req, 1024)
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Plan string `json:"plan"`
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":"pro"}`))
	require.NoError(t, DecodeJSON(w, req, 1024, &dst))
	assert.Equal(t, "pro", dst.Plan)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":`))
	assert.Error(t, DecodeJSON(w, req, 1024, &dst))
}
