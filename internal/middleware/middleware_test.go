package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, AccountID(c))
	})
	return r
}

func do(r http.Handler, account string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if account != "" {
		req.Header.Set(AccountHeader, account)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdentity(t *testing.T) {
	r := newRouter(Identity())

	w := do(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthenticated")

	w = do(r, " alice ")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())
}

func TestRateLimiterPerAccount(t *testing.T) {
	l := NewRateLimiter(1, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	r := newRouter(Identity(), l.Middleware())

	assert.Equal(t, http.StatusOK, do(r, "alice").Code)
	assert.Equal(t, http.StatusOK, do(r, "alice").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, "alice").Code)
	assert.Equal(t, http.StatusOK, do(r, "bob").Code)

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, do(r, "alice").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, "alice").Code)
}

func TestRateLimiterSustainedRate(t *testing.T) {
	l := NewRateLimiter(10, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	r := newRouter(Identity(), l.Middleware())

	allowed := 0
	for i := 0; i < 100; i++ {
		if do(r, "alice").Code == http.StatusOK {
			allowed++
		}
		now = now.Add(50 * time.Millisecond)
	}
	// five seconds at ten per second, one token up front
	assert.InDelta(t, 50, allowed, 1)
}

func TestRateLimiterEvictsIdleAccounts(t *testing.T) {
	l := NewRateLimiter(1, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	r := newRouter(Identity(), l.Middleware())

	for i := 0; i < 50; i++ {
		do(r, fmt.Sprintf("acct-%d", i))
	}
	assert.Len(t, l.clients, 50)

	now = now.Add(3 * time.Second)
	assert.Equal(t, http.StatusOK, do(r, "alice").Code)
	assert.Len(t, l.clients, 1)
}

func TestRateLimiterDisabled(t *testing.T) {
	l := PerSecond(0)
	r := newRouter(Identity(), l.Middleware())
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(r, "alice").Code)
	}
	assert.Empty(t, l.clients)
}

func TestPerSecond(t *testing.T) {
	l := PerSecond(100)
	assert.EqualValues(t, 100, l.rps)
	assert.Equal(t, 100, l.burst)
	assert.Equal(t, time.Second, l.idle)
	assert.Zero(t, PerSecond(-1).rps)
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := newRouter(Logger(zap.New(core)), Identity())

	do(r, "alice")
	do(r, "")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
		assert.Equal(t, "alice", entries[0].ContextMap()["account_id"])
		assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
		assert.EqualValues(t, http.StatusUnauthorized, entries[1].ContextMap()["status"])
	}
}
