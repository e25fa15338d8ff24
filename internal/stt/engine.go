package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxnote/voxnote/internal/config"
)

// Engine unifies the two recognition back ends behind one contract and
// one result stream. Exactly one provider is active at a time; switching
// detaches the old provider's stream before attaching the new one, so
// subscribers never see events from a provider that is no longer active.
type Engine struct {
	cfg    config.STTConfig
	log    *slog.Logger
	models *ModelCache
	stream *broadcaster

	// newProvider is swapped out by tests.
	newProvider func(id ProviderID, emit func(Result)) (Provider, error)

	mu        sync.Mutex
	providers map[ProviderID]Provider
	active    Provider
	activeID  ProviderID
	disposed  bool

	// processMu serializes transcriptions; neither back end tolerates
	// concurrent feeds against the same handle.
	processMu sync.Mutex

	emitMu    sync.Mutex
	emitFrom  ProviderID
	finalSeen bool
}

func NewEngine(cfg config.STTConfig, models *ModelCache, log *slog.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       log.With(slog.String("component", "stt-engine")),
		models:    models,
		stream:    newBroadcaster(),
		providers: make(map[ProviderID]Provider),
	}
	e.newProvider = func(id ProviderID, emit func(Result)) (Provider, error) {
		switch id {
		case ProviderOnDevice:
			return newOnDeviceProvider(cfg, models, log, emit), nil
		case ProviderCloud:
			return newCloudProvider(cfg.Cloud, log, emit), nil
		default:
			return nil, fmt.Errorf("unknown stt provider %q", id)
		}
	}
	return e
}

// Initialize selects a provider, lazily constructing and initializing its
// adapter. On failure the engine stays on whatever provider was active
// before the call.
func (e *Engine) Initialize(ctx context.Context, id ProviderID) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	provider, ok := e.providers[id]
	if !ok {
		p, err := e.newProvider(id, func(r Result) { e.forward(id, r) })
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.providers[id] = p
		provider = p
	}
	e.mu.Unlock()

	// Adapter initialization can download a model on first run; reads
	// like ActiveProvider must not wait behind it.
	if err := provider.Initialize(ctx); err != nil {
		e.log.Warn("provider initialization failed",
			slog.String("provider", string(id)), slogError(err))
		return fmt.Errorf("initialize %s provider: %w", id, err)
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	e.active = provider
	e.activeID = id
	e.mu.Unlock()

	e.emitMu.Lock()
	e.emitFrom = id
	e.emitMu.Unlock()

	e.log.Info("stt provider active", slog.String("provider", string(id)))
	return nil
}

// SwitchProvider changes the active provider. Switching to the current
// provider is a successful no-op.
func (e *Engine) SwitchProvider(ctx context.Context, id ProviderID) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.active != nil && e.activeID == id {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	return e.Initialize(ctx, id)
}

// ActiveProvider reports the currently active provider, or "" when none
// has been initialized.
func (e *Engine) ActiveProvider() ProviderID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ""
	}
	return e.activeID
}

// ProcessFile transcribes one recording via the active provider. Partial
// hypotheses appear on the stream while the call runs; the final result
// is both returned and published as the utterance's last stream event.
func (e *Engine) ProcessFile(ctx context.Context, path string) (Result, error) {
	e.processMu.Lock()
	defer e.processMu.Unlock()

	e.mu.Lock()
	provider := e.active
	disposed := e.disposed
	e.mu.Unlock()

	if disposed {
		return Result{}, ErrDisposed
	}
	if provider == nil {
		return Result{}, ErrNotInitialized
	}

	e.emitMu.Lock()
	e.finalSeen = false
	e.emitMu.Unlock()

	return provider.ProcessFile(ctx, path)
}

type detailedTranscriber interface {
	ProcessFileDetailed(ctx context.Context, path string) (DetailedTranscript, error)
}

// ProcessFileDetailed requests a segment-level transcript from providers
// that support it.
func (e *Engine) ProcessFileDetailed(ctx context.Context, path string) (DetailedTranscript, error) {
	e.processMu.Lock()
	defer e.processMu.Unlock()

	e.mu.Lock()
	provider := e.active
	id := e.activeID
	e.mu.Unlock()

	if provider == nil {
		return DetailedTranscript{}, ErrNotInitialized
	}
	detailed, ok := provider.(detailedTranscriber)
	if !ok {
		return DetailedTranscript{}, fmt.Errorf("%s provider does not support detailed transcripts", id)
	}
	return detailed.ProcessFileDetailed(ctx, path)
}

// Subscribe attaches a receiver to the merged result stream.
func (e *Engine) Subscribe(buffer int) (<-chan Result, func()) {
	return e.stream.subscribe(buffer)
}

// forward relays an adapter event onto the stream. Events from detached
// providers are dropped, and a partial hypothesis is never delivered
// after its utterance's final result.
func (e *Engine) forward(from ProviderID, r Result) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	if from != e.emitFrom {
		return
	}
	if !r.Final && e.finalSeen {
		return
	}
	if r.Final {
		e.finalSeen = true
	}
	e.stream.publish(r)
}

// Dispose releases every adapter that was ever constructed and closes the
// stream. Safe to call more than once.
func (e *Engine) Dispose() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	providers := make([]Provider, 0, len(e.providers))
	for _, p := range e.providers {
		providers = append(providers, p)
	}
	e.providers = make(map[ProviderID]Provider)
	e.active = nil
	e.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if err := p.Dispose(); err != nil {
			errs = append(errs, err)
		}
	}
	e.stream.close()
	return errors.Join(errs...)
}
