package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(handler http.Handler, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodGet, "/v1/query", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3, zap.NewNop())
	handler := rl.Handler(okHandler())

	statuses := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		statuses = append(statuses, hit(handler, "10.0.0.1:52311"))
	}

	assert.Equal(t, []int{200, 200, 200, 429, 429}, statuses)
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1, zap.NewNop())
	handler := rl.Handler(okHandler())

	assert.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, hit(handler, "10.0.0.1:1001"))

	// A different address gets its own bucket.
	assert.Equal(t, http.StatusOK, hit(handler, "10.0.0.2:1000"))

	assert.Equal(t, 2, rl.ClientCount())
}

func TestRateLimiter_BucketRefills(t *testing.T) {
	rl := NewRateLimiter(50, 1, zap.NewNop())
	handler := rl.Handler(okHandler())

	assert.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, hit(handler, "10.0.0.1:1000"))

	// At 50 rps a token is back within ~20ms.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:1000"))
}

func TestRateLimiter_SweepStale(t *testing.T) {
	rl := NewRateLimiter(10, 10, zap.NewNop())
	rl.allow("10.0.0.1")
	rl.allow("10.0.0.2")
	assert.Equal(t, 2, rl.ClientCount())

	time.Sleep(30 * time.Millisecond)
	rl.allow("10.0.0.3")

	removed := rl.SweepStale(10 * time.Millisecond)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, rl.ClientCount())
}

func TestRateLimiter_StartJanitor(t *testing.T) {
	rl := NewRateLimiter(10, 10, zap.NewNop())
	rl.allow("10.0.0.1")

	stopCh := make(chan struct{})
	go rl.StartJanitor(20*time.Millisecond, 10*time.Millisecond, stopCh)
	defer close(stopCh)

	assert.Eventually(t, func() bool {
		return rl.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	req.RemoteAddr = "192.168.1.7:51234"
	assert.Equal(t, "192.168.1.7", clientKey(req))

	req.RemoteAddr = "192.168.1.7"
	assert.Equal(t, "192.168.1.7", clientKey(req))
}
