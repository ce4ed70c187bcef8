package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/M-Rafay/ocr-api/internal/database"
	"github.com/M-Rafay/ocr-api/internal/ledger"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCounter counts lookups and returns a fixed value
type fakeCounter struct {
	lookups atomic.Int32
	used    int
	err     error
}

func (f *fakeCounter) CountThisMonth(ctx context.Context, userID string) (int, error) {
	f.lookups.Add(1)
	return f.used, f.err
}

func newGatedRouter(gate *QuotaGate, record func(c *gin.Context, userID string)) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(gate.Handler())

	handler := func(c *gin.Context) {
		userID, _ := GetUserID(c)
		if record != nil && userID != "" {
			record(c, userID)
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	}

	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.POST("/extract-text", func(c *gin.Context) {
		// The body must still be readable after the gate inspected it
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		handler(c)
	})
	router.POST("/upload-pdf", handler)
	router.GET("/history/:user_id", handler)
	router.GET("/unmetered", handler)

	return router
}

func standardGate(counter UsageCounter, limit int) *QuotaGate {
	return NewQuotaGate(counter, limit, nil).
		Exempt("/health", "/metrics").
		Meter(http.MethodPost, "/extract-text", FromJSONBody("user_id")).
		Meter(http.MethodPost, "/upload-pdf", FromQueryOrForm("user_id")).
		Meter(http.MethodGet, "/history/:user_id", FromPathParam("user_id"))
}

func jsonRequest(t *testing.T, path string, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestQuotaGateRejectsOverLimit(t *testing.T) {
	counter := &fakeCounter{used: 20}
	router := newGatedRouter(standardGate(counter, 20), nil)

	w := serve(router, jsonRequest(t, "/extract-text", map[string]string{"user_id": "alice"}))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"detail":"Monthly quota exceeded (20 requests)"}`, w.Body.String())
}

func TestQuotaGateAdmitsUnderLimit(t *testing.T) {
	counter := &fakeCounter{used: 19}
	router := newGatedRouter(standardGate(counter, 20), nil)

	w := serve(router, jsonRequest(t, "/extract-text", map[string]string{"user_id": "alice"}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"alice"}`, w.Body.String(), "handler re-binds the cached body")
}

func TestQuotaGateSequentialLimit(t *testing.T) {
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	repo := database.NewGormRepository(db)
	require.NoError(t, repo.Migrate(context.Background()))
	defer repo.Close()

	l := ledger.New(repo)
	const limit = 20
	router := newGatedRouter(standardGate(l, limit), func(c *gin.Context, userID string) {
		_, err := l.Record(c.Request.Context(), userID, "/extract-text")
		require.NoError(t, err)
	})

	for i := 0; i < limit; i++ {
		w := serve(router, jsonRequest(t, "/extract-text", map[string]string{"user_id": "alice"}))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := serve(router, jsonRequest(t, "/extract-text", map[string]string{"user_id": "alice"}))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	count, err := l.CountThisMonth(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, limit, count, "rejected request records nothing")

	// Other users keep their own budget
	w = serve(router, jsonRequest(t, "/extract-text", map[string]string{"user_id": "bob"}))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQuotaGateExemptPathsNeverCount(t *testing.T) {
	counter := &fakeCounter{used: 1000}
	router := newGatedRouter(standardGate(counter, 20), nil)

	for i := 0; i < 50; i++ {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, int32(0), counter.lookups.Load())
}

func TestQuotaGateMissingIdentityIsAdmitted(t *testing.T) {
	counter := &fakeCounter{used: 1000}
	router := newGatedRouter(standardGate(counter, 20), nil)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"no user_id field", jsonRequest(t, "/extract-text", map[string]string{"image_url": "http://x"})},
		{"numeric user_id", jsonRequest(t, "/extract-text", map[string]int{"user_id": 7})},
		{"malformed json", httptest.NewRequest(http.MethodPost, "/extract-text", strings.NewReader("{not json"))},
		{"pdf without user_id", httptest.NewRequest(http.MethodPost, "/upload-pdf", nil)},
		{"route without contract", httptest.NewRequest(http.MethodGet, "/unmetered", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, tt.req)
			assert.NotEqual(t, http.StatusTooManyRequests, w.Code)
		})
	}
	assert.Equal(t, int32(0), counter.lookups.Load())
}

func TestQuotaGateIdentitySources(t *testing.T) {
	counter := &fakeCounter{used: 20}
	router := newGatedRouter(standardGate(counter, 20), nil)

	t.Run("path parameter", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/history/alice", nil))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("query parameter", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodPost, "/upload-pdf?user_id=alice", nil))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("multipart form field", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("user_id", "alice"))
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/upload-pdf", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		w := serve(router, req)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}

func TestQuotaGateCounterError(t *testing.T) {
	counter := &fakeCounter{err: errors.New("database is locked")}
	router := newGatedRouter(standardGate(counter, 20), nil)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/history/alice", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"detail":"Failed to check quota"}`, w.Body.String())
}

// barrierCounter makes every caller wait until n lookups are in flight,
// then reports the same pre-write count to all of them.
type barrierCounter struct {
	wg   sync.WaitGroup
	used int
}

func (b *barrierCounter) CountThisMonth(ctx context.Context, userID string) (int, error) {
	b.wg.Done()
	b.wg.Wait()
	return b.used, nil
}

func TestQuotaGateConcurrentBoundaryOvershoot(t *testing.T) {
	counter := &barrierCounter{used: 19}
	counter.wg.Add(2)
	router := newGatedRouter(standardGate(counter, 20), nil)

	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history/alice", nil))
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	// Both requests observed 19 and were admitted: the cap overshoots by one
	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
}
