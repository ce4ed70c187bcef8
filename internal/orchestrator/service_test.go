package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/M-Rafay/ocr-api/internal/database"
	"github.com/M-Rafay/ocr-api/internal/ledger"
	"github.com/M-Rafay/ocr-api/internal/ocr"
	"github.com/M-Rafay/ocr-api/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stubEngine returns canned boxes, an error, or panics
type stubEngine struct {
	language string
	calls    atomic.Int32
	boxes    []models.TextBox
	err      error
	panicMsg string
	delay    time.Duration
}

func (e *stubEngine) Recognize(ctx context.Context, image []byte) ([]models.TextBox, error) {
	e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.panicMsg != "" {
		panic(e.panicMsg)
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.boxes, nil
}

func (e *stubEngine) Close() error { return nil }

type stubRasterizer struct {
	pages [][]byte
	err   error
}

func (r *stubRasterizer) Rasterize(ctx context.Context, document []byte) ([][]byte, error) {
	return r.pages, r.err
}

type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) Put(ctx context.Context, objectName string, data []byte) error {
	return m.Called(ctx, objectName, data).Error(0)
}

func (m *mockObjectStore) Delete(ctx context.Context, objectName string) error {
	return m.Called(ctx, objectName).Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishJobCompleted(ctx context.Context, job *models.Job) error {
	return m.Called(ctx, job).Error(0)
}

type memoryCache struct {
	entries     map[string][]*models.Job
	invalidated []string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]*models.Job{}}
}

func (c *memoryCache) GetHistory(ctx context.Context, userID string) ([]*models.Job, error) {
	return c.entries[userID], nil
}

func (c *memoryCache) SetHistory(ctx context.Context, userID string, jobs []*models.Job) error {
	c.entries[userID] = jobs
	return nil
}

func (c *memoryCache) InvalidateHistory(ctx context.Context, userID string) error {
	delete(c.entries, userID)
	c.invalidated = append(c.invalidated, userID)
	return nil
}

type fixture struct {
	svc     *Service
	repo    *database.GormRepository
	ledger  *ledger.Ledger
	engines map[string]*stubEngine
	raster  *stubRasterizer
}

func helloBox() models.TextBox {
	return models.TextBox{
		Text:       "hello",
		Confidence: 0.93,
		BBox:       [][]float64{{0, 0}, {10, 0}, {10, 5}, {0, 5}},
	}
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	repo := database.NewGormRepository(db)
	require.NoError(t, repo.Migrate(context.Background()))
	t.Cleanup(func() { repo.Close() })

	engines := map[string]*stubEngine{
		"en": {language: "en", boxes: []models.TextBox{helloBox()}},
		"ur": {language: "ur", boxes: []models.TextBox{{Text: "سلام", Confidence: 0.8, BBox: helloBox().BBox}}},
		"ar": {language: "ar"},
	}
	pool := ocr.NewPool(func(language string) (ocr.Engine, error) {
		e, ok := engines[language]
		if !ok {
			return nil, errors.New("no engine")
		}
		return e, nil
	}, []string{"en", "ur", "ar"}, "en", nil)

	f := &fixture{
		repo:    repo,
		ledger:  ledger.New(repo),
		engines: engines,
		raster:  &stubRasterizer{},
	}

	opts := Options{
		Ledger:       f.ledger,
		Repo:         repo,
		Engines:      pool,
		Rasterizer:   f.raster,
		FetchTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.svc = NewService(opts)

	return f
}

func (f *fixture) usage(t *testing.T, userID string) int {
	t.Helper()
	n, err := f.ledger.CountThisMonth(context.Background(), userID)
	require.NoError(t, err)
	return n
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func TestProcessImageBase64(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	results, err := f.svc.ProcessImage(ctx, ImageRequest{
		UserID:      "alice",
		ImageBase64: base64.StdEncoding.EncodeToString(pngBytes(t)),
		Language:    "en",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "hello", results[0].Text)

	assert.Equal(t, 1, f.usage(t, "alice"))

	user, err := f.repo.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, user.APICalls)

	jobs, err := f.repo.GetJobsByUserID(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.InputTypeImage, jobs[0].InputType)
	assert.Equal(t, "en", jobs[0].Language)
	assert.Equal(t, "", jobs[0].InputPath, "no object store configured")

	var stored []models.TextBox
	require.NoError(t, json.Unmarshal(jobs[0].Result, &stored))
	assert.Equal(t, results, stored)
}

func TestProcessImageDataURL(t *testing.T) {
	f := newFixture(t, nil)

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	results, err := f.svc.ProcessImage(context.Background(), ImageRequest{UserID: "alice", ImageBase64: dataURL})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(1), f.engines["en"].calls.Load())
}

func TestProcessImageWithoutSource(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.ProcessImage(ctx, ImageRequest{UserID: "alice", Language: "en"})
	assert.ErrorIs(t, err, ErrNoImageSource)

	for _, e := range f.engines {
		assert.Equal(t, int32(0), e.calls.Load(), "OCR must not run")
	}
	assert.Equal(t, 1, f.usage(t, "alice"), "admitted attempt is metered")

	_, err = f.repo.GetUser(ctx, "alice")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestProcessImageOCRFailureDegrades(t *testing.T) {
	f := newFixture(t, nil)
	f.engines["en"].err = errors.New("tesseract crashed")

	results, err := f.svc.ProcessImage(context.Background(), ImageRequest{
		UserID:      "alice",
		ImageBase64: base64.StdEncoding.EncodeToString(pngBytes(t)),
	})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Equal(t, 1, f.usage(t, "alice"))

	jobs, err := f.repo.GetJobsByUserID(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.JSONEq(t, `[]`, string(jobs[0].Result))
}

func TestProcessImageOCRPanicDegrades(t *testing.T) {
	f := newFixture(t, nil)
	f.engines["en"].panicMsg = "segfault in native code"

	results, err := f.svc.ProcessImage(context.Background(), ImageRequest{
		UserID:      "alice",
		ImageBase64: base64.StdEncoding.EncodeToString(pngBytes(t)),
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, f.usage(t, "alice"))
}

func TestProcessImageBadBase64Degrades(t *testing.T) {
	f := newFixture(t, nil)

	results, err := f.svc.ProcessImage(context.Background(), ImageRequest{UserID: "alice", ImageBase64: "!!not base64!!"})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int32(0), f.engines["en"].calls.Load())
	assert.Equal(t, 1, f.usage(t, "alice"))
}

func TestProcessImageFromURL(t *testing.T) {
	body := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	f := newFixture(t, nil)
	ctx := context.Background()

	results, err := f.svc.ProcessImage(ctx, ImageRequest{UserID: "alice", ImageURL: srv.URL + "/scan.png"})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = f.svc.ProcessImage(ctx, ImageRequest{UserID: "alice", ImageURL: srv.URL + "/missing.png"})
	require.NoError(t, err)
	assert.Empty(t, results, "non-2xx degrades to an empty result")

	results, err = f.svc.ProcessImage(ctx, ImageRequest{UserID: "alice", ImageURL: "ftp://example.com/x.png"})
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.Equal(t, 3, f.usage(t, "alice"))
	assert.Equal(t, int32(1), f.engines["en"].calls.Load())
}

func TestProcessImageBase64TakesPrecedence(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	f := newFixture(t, nil)
	_, err := f.svc.ProcessImage(context.Background(), ImageRequest{
		UserID:      "alice",
		ImageBase64: base64.StdEncoding.EncodeToString(pngBytes(t)),
		ImageURL:    srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), hits.Load())
}

func TestProcessImageLanguageFallback(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	img := base64.StdEncoding.EncodeToString(pngBytes(t))

	_, err := f.svc.ProcessImage(ctx, ImageRequest{UserID: "alice", ImageBase64: img, Language: "fr"})
	require.NoError(t, err)

	results, err := f.svc.ProcessImage(ctx, ImageRequest{UserID: "alice", ImageBase64: img, Language: "ur"})
	require.NoError(t, err)
	assert.Equal(t, "سلام", results[0].Text)

	jobs, err := f.repo.GetJobsByUserID(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "ur", jobs[0].Language)
	assert.Equal(t, "en", jobs[1].Language, "unsupported language silently becomes the default")
}

func TestProcessImageSlowEngineIsNotInterrupted(t *testing.T) {
	f := newFixture(t, nil)
	f.engines["en"].delay = 200 * time.Millisecond

	// Client already gone before OCR finishes
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	results, err := f.svc.ProcessImage(ctx, ImageRequest{
		UserID:      "alice",
		ImageBase64: base64.StdEncoding.EncodeToString(pngBytes(t)),
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 1, f.usage(t, "alice"))
}

func TestProcessImagePersistsInputAndPublishes(t *testing.T) {
	store := new(mockObjectStore)
	events := new(mockPublisher)
	cache := newMemoryCache()
	f := newFixture(t, func(o *Options) {
		o.Store = store
		o.Events = events
		o.Cache = cache
	})

	var key string
	store.On("Put", mock.Anything, mock.MatchedBy(func(k string) bool { key = k; return true }), mock.Anything).Return(nil)
	events.On("PublishJobCompleted", mock.Anything, mock.AnythingOfType("*models.Job")).Return(errors.New("broker down"))

	_, err := f.svc.ProcessImage(context.Background(), ImageRequest{
		UserID:      "alice",
		ImageBase64: base64.StdEncoding.EncodeToString(pngBytes(t)),
	})
	require.NoError(t, err, "publish failures are best effort")

	assert.Regexp(t, `^inputs/alice/[0-9a-f-]{36}\.png$`, key)

	jobs, err := f.repo.GetJobsByUserID(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, key, jobs[0].InputPath)
	assert.Equal(t, []string{"alice"}, cache.invalidated)

	store.AssertExpectations(t)
	events.AssertExpectations(t)
}

func TestProcessImageStorageFailureKeepsEmptyPath(t *testing.T) {
	store := new(mockObjectStore)
	store.On("Put", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("bucket gone"))
	f := newFixture(t, func(o *Options) { o.Store = store })

	results, err := f.svc.ProcessImage(context.Background(), ImageRequest{
		UserID:      "alice",
		ImageBase64: base64.StdEncoding.EncodeToString(pngBytes(t)),
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	jobs, err := f.repo.GetJobsByUserID(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "", jobs[0].InputPath)
}

func TestProcessPDFPages(t *testing.T) {
	f := newFixture(t, nil)
	f.raster.pages = [][]byte{pngBytes(t), pngBytes(t), pngBytes(t)}

	pages, err := f.svc.ProcessPDF(context.Background(), PDFRequest{
		UserID:   "alice",
		Filename: "doc.pdf",
		Data:     []byte("%PDF-1.4"),
		Language: "ar",
	})
	require.NoError(t, err)

	require.Len(t, pages, 3)
	for n := 1; n <= 3; n++ {
		boxes, ok := pages[n]
		assert.True(t, ok, "page %d present", n)
		assert.NotNil(t, boxes)
	}
	assert.Equal(t, int32(3), f.engines["ar"].calls.Load())
	assert.Equal(t, 1, f.usage(t, "alice"))

	jobs, err := f.repo.GetJobsByUserID(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.InputTypePDF, jobs[0].InputType)
	assert.Equal(t, "ar", jobs[0].Language)
	assert.JSONEq(t, `{"1":[],"2":[],"3":[]}`, string(jobs[0].Result))
}

func TestProcessPDFRasterizeFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.raster.err = errors.New("Syntax Error: broken xref")

	pages, err := f.svc.ProcessPDF(context.Background(), PDFRequest{UserID: "alice", Data: []byte("garbage")})
	require.NoError(t, err)
	assert.NotNil(t, pages)
	assert.Empty(t, pages)
	assert.Equal(t, 1, f.usage(t, "alice"))
}

func TestProcessPDFPageFailureIsolated(t *testing.T) {
	f := newFixture(t, nil)
	f.raster.pages = [][]byte{pngBytes(t), pngBytes(t)}
	f.engines["en"].err = errors.New("page unreadable")

	pages, err := f.svc.ProcessPDF(context.Background(), PDFRequest{UserID: "alice", Data: []byte("%PDF")})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Empty(t, pages[1])
	assert.Empty(t, pages[2])
}

func TestProcessPDFEmptyUpload(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.ProcessPDF(context.Background(), PDFRequest{UserID: "alice"})
	assert.ErrorIs(t, err, ErrEmptyUpload)
	assert.Equal(t, 1, f.usage(t, "alice"))
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	img := base64.StdEncoding.EncodeToString(pngBytes(t))

	jobs, err := f.svc.GetHistory(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, jobs)
	assert.Empty(t, jobs)
	assert.Equal(t, 1, f.usage(t, "nobody"), "history reads are metered")

	_, err = f.svc.ProcessImage(ctx, ImageRequest{UserID: "alice", ImageBase64: img, Language: "en"})
	require.NoError(t, err)
	_, err = f.svc.ProcessImage(ctx, ImageRequest{UserID: "alice", ImageBase64: img, Language: "ur"})
	require.NoError(t, err)

	jobs, err = f.svc.GetHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "ur", jobs[0].Language, "newest first")
	assert.Equal(t, 3, f.usage(t, "alice"))
}

func TestGetHistoryUsesCache(t *testing.T) {
	cache := newMemoryCache()
	f := newFixture(t, func(o *Options) { o.Cache = cache })
	ctx := context.Background()

	_, err := f.svc.ProcessImage(ctx, ImageRequest{UserID: "alice", ImageBase64: base64.StdEncoding.EncodeToString(pngBytes(t))})
	require.NoError(t, err)

	jobs, err := f.svc.GetHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Contains(t, cache.entries, "alice")

	cache.entries["alice"] = []*models.Job{{ID: "cached"}}
	jobs, err = f.svc.GetHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "cached", jobs[0].ID)
}

type failingRepo struct {
	*database.GormRepository
	err error
}

func (r *failingRepo) CreateJob(ctx context.Context, job *models.Job) error {
	return r.err
}

func TestStoreFailurePropagates(t *testing.T) {
	store := new(mockObjectStore)
	store.On("Put", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store.On("Delete", mock.Anything, mock.Anything).Return(nil)

	boom := errors.New("disk I/O error")
	f := newFixture(t, nil)
	f.svc = NewService(Options{
		Ledger:     f.ledger,
		Repo:       &failingRepo{GormRepository: f.repo, err: boom},
		Engines:    ocr.NewPool(func(string) (ocr.Engine, error) { return &stubEngine{}, nil }, nil, "en", nil),
		Rasterizer: f.raster,
		Store:      store,
	})

	_, err := f.svc.ProcessImage(context.Background(), ImageRequest{
		UserID:      "alice",
		ImageBase64: base64.StdEncoding.EncodeToString(pngBytes(t)),
	})
	assert.ErrorIs(t, err, boom)
	store.AssertCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestRecordAttempt(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.RecordAttempt(context.Background(), "alice", models.EndpointUploadPDF))
	assert.Equal(t, 1, f.usage(t, "alice"))
}

func TestDecodeBase64Variants(t *testing.T) {
	raw := []byte{0xff, 0xfe, 0x00, 0x01, 0x02}

	for _, encoded := range []string{
		base64.StdEncoding.EncodeToString(raw),
		base64.RawStdEncoding.EncodeToString(raw),
		base64.URLEncoding.EncodeToString(raw),
		"data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(raw),
		"  " + base64.StdEncoding.EncodeToString(raw) + "\n",
	} {
		got, err := decodeBase64(encoded)
		require.NoError(t, err, encoded)
		assert.Equal(t, raw, got)
	}

	_, err := decodeBase64("data:image/png;base64")
	assert.Error(t, err)
	_, err = decodeBase64("")
	assert.Error(t, err)
}
