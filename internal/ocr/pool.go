package ocr

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/M-Rafay/ocr-api/internal/logging"
	"github.com/M-Rafay/ocr-api/internal/metrics"
)

// ErrPoolClosed is returned by Get after Close
var ErrPoolClosed = errors.New("ocr pool closed")

// DefaultLanguage is used when a request names no language or an unsupported one
const DefaultLanguage = "en"

type entry struct {
	once     sync.Once
	engine   Engine
	language string
	err      error
	// borrowed entries hold the default language engine and must not close it
	borrowed bool
}

// Pool lazily creates one engine per language and shares it across requests
type Pool struct {
	factory         Factory
	allowed         map[string]struct{}
	defaultLanguage string
	logger          *logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

// NewPool creates a pool for the allowed languages. An empty default
// falls back to DefaultLanguage.
func NewPool(factory Factory, languages []string, defaultLanguage string, logger *logging.Logger) *Pool {
	if defaultLanguage == "" {
		defaultLanguage = DefaultLanguage
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	allowed := make(map[string]struct{}, len(languages)+1)
	for _, lang := range languages {
		allowed[strings.ToLower(strings.TrimSpace(lang))] = struct{}{}
	}
	allowed[defaultLanguage] = struct{}{}

	return &Pool{
		factory:         factory,
		allowed:         allowed,
		defaultLanguage: defaultLanguage,
		logger:          logger,
		entries:         make(map[string]*entry),
	}
}

// Normalize maps a requested language code onto the allow-list.
// Unknown or empty codes silently become the default language.
func (p *Pool) Normalize(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if _, ok := p.allowed[language]; ok {
		return language
	}
	return p.defaultLanguage
}

// Get returns the engine for language and the language it actually
// serves, which differs from the request when initialization fell back
// to the default engine.
func (p *Pool) Get(language string) (Engine, string, error) {
	language = p.Normalize(language)

	e, err := p.entry(language)
	if err != nil {
		return nil, "", err
	}
	e.once.Do(func() { p.initialize(e, language) })

	return e.engine, e.language, e.err
}

// entry returns the slot for language, creating it on first access
func (p *Pool) entry(language string) (*entry, error) {
	p.mu.RLock()
	e, exists := p.entries[language]
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return nil, ErrPoolClosed
	}
	if exists {
		return e, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	// Double-check after acquiring write lock
	e, exists = p.entries[language]
	if exists {
		return e, nil
	}

	e = &entry{}
	p.entries[language] = e

	return e, nil
}

func (p *Pool) initialize(e *entry, language string) {
	engine, err := p.factory(language)
	metrics.RecordEngineInit(language, err)
	if err == nil {
		e.engine, e.language = engine, language
		p.logger.WithField("language", language).Info("OCR engine initialized")
		return
	}

	if language == p.defaultLanguage {
		e.err = fmt.Errorf("failed to initialize %s engine: %w", language, err)
		p.logger.LogCollaboratorFailure("engine_init", language, err)
		return
	}

	p.logger.WithFields(map[string]interface{}{
		"language": language,
		"fallback": p.defaultLanguage,
	}).WarnWithErr("OCR engine init failed, using default language", err)

	def, derr := p.entry(p.defaultLanguage)
	if derr != nil {
		e.err = derr
		return
	}
	def.once.Do(func() { p.initialize(def, p.defaultLanguage) })

	e.engine, e.language, e.err = def.engine, def.language, def.err
	e.borrowed = true
}

// Close releases every initialized engine. The pool is unusable afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for language, e := range p.entries {
		if e.engine == nil || e.borrowed {
			continue
		}
		if err := e.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s engine: %w", language, err))
		}
	}
	p.entries = nil

	return errors.Join(errs...)
}
