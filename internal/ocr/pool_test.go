package ocr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/M-Rafay/ocr-api/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	language string
	closed   atomic.Int32
	closeErr error
}

func (f *fakeEngine) Recognize(ctx context.Context, image []byte) ([]models.TextBox, error) {
	return []models.TextBox{{Text: f.language, Confidence: 1}}, nil
}

func (f *fakeEngine) Close() error {
	f.closed.Add(1)
	return f.closeErr
}

type countingFactory struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]error
	engines map[string]*fakeEngine
}

func newCountingFactory() *countingFactory {
	return &countingFactory{
		calls:   map[string]int{},
		fail:    map[string]error{},
		engines: map[string]*fakeEngine{},
	}
}

func (f *countingFactory) New(language string) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[language]++
	if err := f.fail[language]; err != nil {
		return nil, err
	}
	e := &fakeEngine{language: language}
	f.engines[language] = e
	return e, nil
}

func (f *countingFactory) Calls(language string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[language]
}

func TestNormalize(t *testing.T) {
	p := NewPool(newCountingFactory().New, []string{"en", "ur", "ar"}, "en", nil)

	tests := map[string]string{
		"en":   "en",
		"ur":   "ur",
		" AR ": "ar",
		"":     "en",
		"fr":   "en",
		"zz-x": "en",
	}
	for in, want := range tests {
		assert.Equal(t, want, p.Normalize(in), "Normalize(%q)", in)
	}
}

func TestGetInitializesOncePerLanguage(t *testing.T) {
	factory := newCountingFactory()
	p := NewPool(factory.New, []string{"en", "ur", "ar"}, "en", nil)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			lang := []string{"en", "ur", "ar"}[i%3]
			engine, served, err := p.Get(lang)
			assert.NoError(t, err)
			assert.NotNil(t, engine)
			assert.Equal(t, lang, served)
		}(i)
	}
	close(start)
	wg.Wait()

	for _, lang := range []string{"en", "ur", "ar"} {
		assert.Equal(t, 1, factory.Calls(lang), "language %s", lang)
	}

	first, _, _ := p.Get("ur")
	second, _, _ := p.Get("ur")
	assert.Same(t, first, second, "engines are shared")
}

func TestGetUnsupportedLanguageUsesDefault(t *testing.T) {
	factory := newCountingFactory()
	p := NewPool(factory.New, []string{"en", "ur", "ar"}, "en", nil)

	_, served, err := p.Get("klingon")
	require.NoError(t, err)
	assert.Equal(t, "en", served)
	assert.Equal(t, 0, factory.Calls("klingon"))
}

func TestGetFallsBackWhenInitFails(t *testing.T) {
	factory := newCountingFactory()
	factory.fail["ur"] = errors.New("urd.traineddata not found")
	p := NewPool(factory.New, []string{"en", "ur", "ar"}, "en", nil)

	engine, served, err := p.Get("ur")
	require.NoError(t, err)
	assert.Equal(t, "en", served)

	boxes, err := engine.Recognize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "en", boxes[0].Text)

	// Failure is remembered; no retry storm
	_, _, _ = p.Get("ur")
	assert.Equal(t, 1, factory.Calls("ur"))
	assert.Equal(t, 1, factory.Calls("en"))
}

func TestGetDefaultInitFailure(t *testing.T) {
	factory := newCountingFactory()
	factory.fail["en"] = errors.New("no tessdata")
	p := NewPool(factory.New, []string{"en", "ar"}, "en", nil)

	_, _, err := p.Get("ar")
	require.NoError(t, err)

	engine, _, err := p.Get("en")
	assert.Error(t, err)
	assert.Nil(t, engine)
}

func TestCloseClosesEachEngineOnce(t *testing.T) {
	factory := newCountingFactory()
	factory.fail["ar"] = errors.New("missing")
	p := NewPool(factory.New, []string{"en", "ur", "ar"}, "en", nil)

	for _, lang := range []string{"en", "ur", "ar"} {
		_, _, err := p.Get(lang)
		require.NoError(t, err)
	}

	require.NoError(t, p.Close())
	assert.Equal(t, int32(1), factory.engines["en"].closed.Load(), "borrowed default is not closed twice")
	assert.Equal(t, int32(1), factory.engines["ur"].closed.Load())

	_, _, err := p.Get("en")
	assert.ErrorIs(t, err, ErrPoolClosed)

	assert.NoError(t, p.Close(), "second close is a no-op")
}

func TestCloseJoinsErrors(t *testing.T) {
	boom := errors.New("close failed")
	p := NewPool(func(language string) (Engine, error) {
		return &fakeEngine{language: language, closeErr: boom}, nil
	}, []string{"en", "ur"}, "en", nil)

	_, _, _ = p.Get("en")
	_, _, _ = p.Get("ur")

	err := p.Close()
	assert.ErrorIs(t, err, boom)
}
