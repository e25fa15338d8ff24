package stt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/voxnote/voxnote/internal/config"
)

const (
	// wavHeaderBytes is the fixed RIFF/WAVE header the capture layer
	// produces; the payload after it is raw 16-bit PCM.
	wavHeaderBytes = 44

	// feedChunkBytes is 0.5s of 16kHz 16-bit mono audio. The streaming
	// recognizer wants fixed-size incremental feeds; this size balances
	// partial-result latency against per-call overhead.
	feedChunkBytes = 8000
)

// recognizerSession is one streaming recognizer handle. It accumulates
// audio for a single utterance between Reset and FinalResult; feeding a
// second utterance without a reset corrupts the hypothesis, so Feed
// refuses audio after a final until Reset is called again.
type recognizerSession interface {
	Reset() error
	Feed(chunk []byte) (Result, bool, error)
	FinalResult() (Result, error)
	Close() error
}

type onDeviceProvider struct {
	cfg    config.STTConfig
	models *ModelCache
	log    *slog.Logger
	emit   func(Result)

	// newSession is swapped out by tests.
	newSession func(modelPath string) (recognizerSession, error)

	mu      sync.Mutex
	session recognizerSession
	ready   bool
}

func newOnDeviceProvider(cfg config.STTConfig, models *ModelCache, log *slog.Logger, emit func(Result)) *onDeviceProvider {
	p := &onDeviceProvider{
		cfg:    cfg,
		models: models,
		log:    log.With(slog.String("component", "stt-ondevice")),
		emit:   emit,
	}
	p.newSession = func(modelPath string) (recognizerSession, error) {
		return newExecSession(cfg.OnDevice.Command, modelPath, cfg.SampleRate, cfg.Channels, cfg.OnDevice.Language)
	}
	return p
}

func (p *onDeviceProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ready {
		return nil
	}

	modelPath, err := p.models.Ensure(ctx)
	if err != nil {
		return err
	}

	session, err := p.newSession(modelPath)
	if err != nil {
		return fmt.Errorf("start recognizer session: %w", err)
	}
	p.session = session
	p.ready = true
	p.log.Info("on-device recognizer ready", slog.String("model", modelPath))
	return nil
}

// ProcessFile feeds the recording's PCM payload to the recognizer in
// fixed-size chunks and returns the final hypothesis. Partial hypotheses
// are pushed through emit as they stabilize.
func (p *onDeviceProvider) ProcessFile(ctx context.Context, path string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ready || p.session == nil {
		return Result{}, ErrNotInitialized
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read recording: %w", err)
	}
	if len(data) <= wavHeaderBytes {
		// Header only, no audio. Zero recognizer calls by contract.
		return Result{Final: true}, nil
	}
	payload := data[wavHeaderBytes:]

	if err := p.session.Reset(); err != nil {
		return Result{}, fmt.Errorf("reset recognizer: %w", err)
	}

	for offset := 0; offset < len(payload); offset += feedChunkBytes {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		end := offset + feedChunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		partial, ok, err := p.session.Feed(payload[offset:end])
		if err != nil {
			return Result{}, fmt.Errorf("feed recognizer: %w", err)
		}
		if ok && p.emit != nil {
			p.emit(partial)
		}
	}

	final, err := p.session.FinalResult()
	if err != nil {
		return Result{}, fmt.Errorf("finalize recognition: %w", err)
	}
	if p.emit != nil {
		p.emit(final)
	}
	return final, nil
}

func (p *onDeviceProvider) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil {
		if err := p.session.Close(); err != nil {
			p.log.Warn("recognizer session close failed", slogError(err))
		}
		p.session = nil
	}
	p.ready = false
	// The model cache is shared and survives disposal on purpose.
	return nil
}
