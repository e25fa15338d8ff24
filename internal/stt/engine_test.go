package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProvider struct {
	initErr      error
	initCalls    int
	disposeCalls int
	result       Result
	processErr   error
	emit         func(Result)
	onInit       func()
	onProcess    func(p *fakeProvider)
}

func (f *fakeProvider) Initialize(context.Context) error {
	f.initCalls++
	if f.onInit != nil {
		f.onInit()
	}
	return f.initErr
}

func (f *fakeProvider) ProcessFile(context.Context, string) (Result, error) {
	if f.onProcess != nil {
		f.onProcess(f)
		return f.result, f.processErr
	}
	if f.processErr != nil {
		return Result{}, f.processErr
	}
	if f.emit != nil {
		f.emit(f.result)
	}
	return f.result, nil
}

func (f *fakeProvider) Dispose() error {
	f.disposeCalls++
	return nil
}

func newTestEngine(t *testing.T, providers map[ProviderID]*fakeProvider) *Engine {
	t.Helper()
	e := NewEngine(testSTTConfig(), nil, testLogger())
	e.newProvider = func(id ProviderID, emit func(Result)) (Provider, error) {
		p, ok := providers[id]
		if !ok {
			return nil, fmt.Errorf("unexpected provider %q", id)
		}
		p.emit = emit
		return p, nil
	}
	return e
}

func collect(ch <-chan Result, n int, timeout time.Duration) []Result {
	var out []Result
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestEngineProcessWithoutInitialize(t *testing.T) {
	e := newTestEngine(t, nil)
	if _, err := e.ProcessFile(context.Background(), "x.wav"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if e.ActiveProvider() != "" {
		t.Fatalf("expected no active provider, got %q", e.ActiveProvider())
	}
}

func TestEngineInitializeAndProcess(t *testing.T) {
	providers := map[ProviderID]*fakeProvider{
		ProviderOnDevice: {result: Result{Text: "hi", Final: true, Confidence: 1}},
	}
	e := newTestEngine(t, providers)

	if err := e.Initialize(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if e.ActiveProvider() != ProviderOnDevice {
		t.Fatalf("expected on-device active, got %q", e.ActiveProvider())
	}

	result, err := e.ProcessFile(context.Background(), "x.wav")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Text != "hi" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestEngineSwitchFailureKeepsPriorProvider(t *testing.T) {
	providers := map[ProviderID]*fakeProvider{
		ProviderOnDevice: {result: Result{Text: "local", Final: true}},
		ProviderCloud:    {initErr: ErrNoCredential},
	}
	e := newTestEngine(t, providers)

	if err := e.Initialize(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	err := e.SwitchProvider(context.Background(), ProviderCloud)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if e.ActiveProvider() != ProviderOnDevice {
		t.Fatalf("engine must remain on prior provider after failed switch, got %q", e.ActiveProvider())
	}
	if result, err := e.ProcessFile(context.Background(), "x.wav"); err != nil || result.Text != "local" {
		t.Fatalf("prior provider must keep working: %v %+v", err, result)
	}
}

func TestEngineSwitchToSameProviderIsNoOp(t *testing.T) {
	providers := map[ProviderID]*fakeProvider{
		ProviderOnDevice: {},
	}
	e := newTestEngine(t, providers)

	if err := e.Initialize(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := e.SwitchProvider(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("no-op switch: %v", err)
	}
	if providers[ProviderOnDevice].initCalls != 1 {
		t.Fatalf("expected 1 init call, got %d", providers[ProviderOnDevice].initCalls)
	}
}

func TestEngineDetachesStreamOnSwitch(t *testing.T) {
	providers := map[ProviderID]*fakeProvider{
		ProviderOnDevice: {},
		ProviderCloud:    {},
	}
	e := newTestEngine(t, providers)

	if err := e.Initialize(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	results, cancel := e.Subscribe(8)
	defer cancel()

	if err := e.SwitchProvider(context.Background(), ProviderCloud); err != nil {
		t.Fatalf("switch: %v", err)
	}

	// Events from the detached provider are dropped.
	providers[ProviderOnDevice].emit(Result{Text: "stale partial"})
	providers[ProviderCloud].emit(Result{Text: "cloud final", Final: true})

	got := collect(results, 1, time.Second)
	if len(got) != 1 || got[0].Text != "cloud final" {
		t.Fatalf("expected only the active provider's event, got %v", got)
	}
	select {
	case r := <-results:
		t.Fatalf("unexpected extra event: %+v", r)
	default:
	}
}

func TestEnginePartialNeverFollowsFinal(t *testing.T) {
	provider := &fakeProvider{
		onProcess: func(p *fakeProvider) {
			p.emit(Result{Text: "he"})
			p.emit(Result{Text: "hello", Final: true})
			p.emit(Result{Text: "ghost partial"})
		},
		result: Result{Text: "hello", Final: true},
	}
	e := newTestEngine(t, map[ProviderID]*fakeProvider{ProviderOnDevice: provider})

	if err := e.Initialize(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	results, cancel := e.Subscribe(8)
	defer cancel()

	if _, err := e.ProcessFile(context.Background(), "x.wav"); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := collect(results, 2, time.Second)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %v", got)
	}
	if got[0].Final || got[0].Text != "he" {
		t.Fatalf("expected partial first, got %+v", got[0])
	}
	if !got[1].Final {
		t.Fatalf("expected final second, got %+v", got[1])
	}
	select {
	case r := <-results:
		t.Fatalf("partial after final must be dropped, got %+v", r)
	default:
	}
}

func TestEngineStreamFanout(t *testing.T) {
	provider := &fakeProvider{result: Result{Text: "shared", Final: true}}
	e := newTestEngine(t, map[ProviderID]*fakeProvider{ProviderOnDevice: provider})

	if err := e.Initialize(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	first, cancelFirst := e.Subscribe(4)
	defer cancelFirst()
	second, cancelSecond := e.Subscribe(4)
	defer cancelSecond()

	if _, err := e.ProcessFile(context.Background(), "x.wav"); err != nil {
		t.Fatalf("process: %v", err)
	}

	for name, ch := range map[string]<-chan Result{"first": first, "second": second} {
		got := collect(ch, 1, time.Second)
		if len(got) != 1 || got[0].Text != "shared" {
			t.Fatalf("%s subscriber: expected event, got %v", name, got)
		}
	}
}

func TestEngineDisposeIsIdempotentAndReleasesAll(t *testing.T) {
	providers := map[ProviderID]*fakeProvider{
		ProviderOnDevice: {},
		ProviderCloud:    {},
	}
	e := newTestEngine(t, providers)

	if err := e.Initialize(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := e.SwitchProvider(context.Background(), ProviderCloud); err != nil {
		t.Fatalf("switch: %v", err)
	}

	results, cancel := e.Subscribe(4)
	defer cancel()

	if err := e.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if err := e.Dispose(); err != nil {
		t.Fatalf("second dispose: %v", err)
	}

	// Both adapters released exactly once even though only one was active.
	for id, p := range providers {
		if p.disposeCalls != 1 {
			t.Fatalf("%s: expected 1 dispose call, got %d", id, p.disposeCalls)
		}
	}

	if _, ok := <-results; ok {
		t.Fatal("expected stream closed after dispose")
	}
	if err := e.Initialize(context.Background(), ProviderOnDevice); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
	if _, err := e.ProcessFile(context.Background(), "x.wav"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
}

func TestEngineReadsNotBlockedBySlowInitialize(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	providers := map[ProviderID]*fakeProvider{
		ProviderOnDevice: {},
		ProviderCloud:    {onInit: func() { close(started); <-release }},
	}
	e := newTestEngine(t, providers)

	if err := e.Initialize(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- e.SwitchProvider(context.Background(), ProviderCloud) }()
	<-started

	// A switch stuck in model acquisition must not stall reads.
	probe := make(chan ProviderID, 1)
	go func() { probe <- e.ActiveProvider() }()
	select {
	case id := <-probe:
		if id != ProviderOnDevice {
			t.Fatalf("expected prior provider while switch in flight, got %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("ActiveProvider blocked behind provider initialization")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("switch: %v", err)
	}
	if e.ActiveProvider() != ProviderCloud {
		t.Fatalf("expected cloud active after switch, got %q", e.ActiveProvider())
	}
}

func TestEngineModelSurvivesSwitchAwayAndBack(t *testing.T) {
	var downloads atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		downloads.Add(1)
		_, _ = w.Write([]byte("model"))
	}))
	defer server.Close()

	models := NewModelCache(filepath.Join(t.TempDir(), "model.bin"), server.URL, testLogger())
	cloud := &fakeProvider{}

	e := NewEngine(testSTTConfig(), models, testLogger())
	e.newProvider = func(id ProviderID, emit func(Result)) (Provider, error) {
		if id == ProviderCloud {
			cloud.emit = emit
			return cloud, nil
		}
		p := newOnDeviceProvider(testSTTConfig(), models, testLogger(), emit)
		p.newSession = func(string) (recognizerSession, error) { return &fakeSession{}, nil }
		return p, nil
	}

	if err := e.Initialize(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("initialize on-device: %v", err)
	}
	if err := e.SwitchProvider(context.Background(), ProviderCloud); err != nil {
		t.Fatalf("switch to cloud: %v", err)
	}
	if err := e.SwitchProvider(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("switch back: %v", err)
	}

	if got := downloads.Load(); got != 1 {
		t.Fatalf("model must be acquired once, saw %d downloads", got)
	}
}

func TestEngineDetailedRequiresSupportingProvider(t *testing.T) {
	e := newTestEngine(t, map[ProviderID]*fakeProvider{ProviderOnDevice: {}})
	if err := e.Initialize(context.Background(), ProviderOnDevice); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := e.ProcessFileDetailed(context.Background(), "x.wav"); err == nil {
		t.Fatal("expected error for provider without detailed support")
	}
}
