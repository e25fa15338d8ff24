package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxnote/voxnote/internal/audio"
	"github.com/voxnote/voxnote/internal/bus"
	"github.com/voxnote/voxnote/internal/config"
	"github.com/voxnote/voxnote/internal/notestore"
	"github.com/voxnote/voxnote/internal/protocol"
)

const transcriptionTimeout = 90 * time.Second

// Service drives the engine from the bus: finished recordings come in,
// transcripts and saved notes go out. Failures degrade to a logged empty
// transcript; nothing here crashes the daemon.
type Service struct {
	cfg    config.STTConfig
	bus    *bus.Client
	engine *Engine
	notes  *notestore.Store
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  bool

	// procMu orders transcriptions so the stamped session always belongs
	// to the utterance whose events are on the stream.
	procMu  sync.Mutex
	sessMu  sync.Mutex
	session string

	tracer     trace.Tracer
	durationMS metric.Float64Histogram
	outcomes   metric.Int64Counter
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, engine *Engine, notes *notestore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		bus:    busClient,
		engine: engine,
		notes:  notes,
		logger: logger.With(slog.String("component", "stt-service")),
		ctx:    ctx,
		cancel: cancel,
		tracer: otel.Tracer("github.com/voxnote/voxnote/stt"),
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter("github.com/voxnote/voxnote/stt")
	var err error
	s.durationMS, err = meter.Float64Histogram("voxnote.stt.duration_ms",
		metric.WithDescription("Wall time spent transcribing one recording"))
	if err != nil {
		s.logger.Warn("failed to create duration histogram", slogError(err))
	}
	s.outcomes, err = meter.Int64Counter("voxnote.stt.transcriptions",
		metric.WithDescription("Transcription attempts by provider and outcome"))
	if err != nil {
		s.logger.Warn("failed to create outcome counter", slogError(err))
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRecordingFinished, s.handleRecording)
	if err != nil {
		return fmt.Errorf("subscribe recording notifications: %w", err)
	}
	s.sub = sub

	results, cancelStream := s.engine.Subscribe(64)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancelStream()
		s.forwardResults(results)
	}()

	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready
}

// forwardResults republishes engine stream events as bus transcripts so
// live UIs can render hypotheses while a note is still being processed.
func (s *Service) forwardResults(results <-chan Result) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			s.publishTranscript(r)
		}
	}
}

func (s *Service) setSession(id string) {
	s.sessMu.Lock()
	s.session = id
	s.sessMu.Unlock()
}

func (s *Service) currentSession() string {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.session
}

func (s *Service) transcriptMessage(r Result) protocol.Transcript {
	return protocol.Transcript{
		SessionID:  s.currentSession(),
		Text:       r.Text,
		Partial:    !r.Final,
		Provider:   string(s.engine.ActiveProvider()),
		Confidence: r.Confidence,
		Timestamp:  time.Now().UTC(),
	}
}

func (s *Service) publishTranscript(r Result) {
	if r.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if r.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	data, err := json.Marshal(s.transcriptMessage(r))
	if err != nil {
		s.logger.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) handleRecording(msg *nats.Msg) {
	var rec protocol.RecordingFinished
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		s.logger.Warn("failed to decode recording notification", slogError(err))
		return
	}
	if rec.Path == "" {
		s.logger.Warn("recording notification without path", slog.String("session", rec.SessionID))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transcribe(rec)
	}()
}

func (s *Service) transcribe(rec protocol.RecordingFinished) {
	ctx, cancel := context.WithTimeout(s.ctx, transcriptionTimeout)
	defer cancel()

	provider := string(s.engine.ActiveProvider())
	ctx, span := s.tracer.Start(ctx, "stt.transcribe")
	span.SetAttributes(
		attribute.String("stt.provider", provider),
		attribute.String("session.id", rec.SessionID),
	)
	defer span.End()

	if info, err := audio.Probe(rec.Path); err == nil {
		if info.SampleRate != s.cfg.SampleRate || info.Channels != s.cfg.Channels {
			s.logger.Warn("recording format differs from configured capture format",
				slog.String("session", rec.SessionID),
				slog.Int("sample_rate", info.SampleRate),
				slog.Int("channels", info.Channels))
		}
		s.logger.Info("transcribing recording",
			slog.String("session", rec.SessionID),
			slog.String("provider", provider),
			slog.Duration("audio", info.Duration))
	}

	s.procMu.Lock()
	s.setSession(rec.SessionID)
	start := time.Now()
	result, err := s.engine.ProcessFile(ctx, rec.Path)
	elapsed := time.Since(start)
	s.procMu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		s.logger.Warn("transcription failed",
			slog.String("session", rec.SessionID),
			slog.String("provider", provider),
			slogError(err))
	}
	s.record(ctx, provider, outcome, elapsed)
	if err != nil || result.Text == "" {
		return
	}

	s.saveNote(ctx, rec, result, provider)
}

func (s *Service) record(ctx context.Context, provider, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	)
	if s.outcomes != nil {
		s.outcomes.Add(ctx, 1, attrs)
	}
	if s.durationMS != nil {
		s.durationMS.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}

func (s *Service) saveNote(ctx context.Context, rec protocol.RecordingFinished, result Result, provider string) {
	note := notestore.Note{
		ID:         uuid.NewString(),
		SessionID:  rec.SessionID,
		DeviceID:   rec.DeviceID,
		Text:       result.Text,
		Provider:   provider,
		Confidence: result.Confidence,
		Language:   rec.Language,
	}
	if err := s.notes.SaveNote(ctx, note); err != nil {
		s.logger.Warn("failed to save note", slog.String("session", rec.SessionID), slogError(err))
		return
	}

	saved := protocol.NoteSaved{
		NoteID:    note.ID,
		SessionID: rec.SessionID,
		Provider:  provider,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(saved)
	if err != nil {
		s.logger.Warn("failed to marshal note event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectNoteSaved, data); err != nil {
		s.logger.Warn("failed to publish note event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
