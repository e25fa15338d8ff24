package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxnote/voxnote/internal/bus"
	"github.com/voxnote/voxnote/internal/capture"
	"github.com/voxnote/voxnote/internal/config"
	"github.com/voxnote/voxnote/internal/natsserver"
	"github.com/voxnote/voxnote/internal/notestore"
	"github.com/voxnote/voxnote/internal/stt"
)

// Runtime wires the daemon together: telemetry, bus, note store, the STT
// engine and its bus service, plus the HTTP surface.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	engine     *stt.Engine
	notes      *notestore.Store
	devices    *capture.Registry
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	r.notes, err = notestore.Open(ctx, r.cfg.NoteStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open note store: %w", err)
	}
	defer r.notes.Close()

	models := stt.NewModelCache(r.cfg.STT.OnDevice.ModelPath, r.cfg.STT.OnDevice.ModelURL, r.logger)
	r.engine = stt.NewEngine(r.cfg.STT, models, r.logger)
	defer func() {
		if err := r.engine.Dispose(); err != nil {
			r.logger.Warn("engine dispose error", slog.String("error", err.Error()))
		}
	}()

	initialProvider, err := stt.ParseProviderID(r.cfg.STT.Provider)
	if err != nil {
		return err
	}
	if err := r.engine.Initialize(ctx, initialProvider); err != nil {
		// The daemon stays up; the provider can be switched over HTTP
		// once a model or credential is available.
		r.logger.Warn("initial provider unavailable",
			slog.String("provider", string(initialProvider)),
			slog.String("error", err.Error()))
	}

	if r.cfg.Capture.Enabled {
		r.devices, err = capture.NewRegistry(ctx, r.cfg.Capture, busClient, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start capture registry: %w", err)
		}
		defer r.devices.Close()
	}

	sttService := stt.NewService(ctx, r.cfg.STT, busClient, r.engine, r.notes, r.logger)
	if err := sttService.Start(); err != nil {
		return fmt.Errorf("failed to start stt service: %w", err)
	}
	defer sttService.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	mux.HandleFunc("/v1/provider", r.handleProvider)
	mux.HandleFunc("/v1/notes", r.handleNotes)
	mux.HandleFunc("/v1/devices", r.handleDevices)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type providerRequest struct {
	Provider string `json:"provider"`
}

type providerResponse struct {
	Provider string `json:"provider"`
	Error    string `json:"error,omitempty"`
}

func (r *Runtime) handleProvider(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, providerResponse{Provider: string(r.engine.ActiveProvider())})
	case http.MethodPost:
		var body providerRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, providerResponse{Error: "invalid request body"})
			return
		}
		id, err := stt.ParseProviderID(body.Provider)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, providerResponse{Error: err.Error()})
			return
		}
		if err := r.engine.SwitchProvider(req.Context(), id); err != nil {
			// The engine stays on the previous provider; report both.
			writeJSON(w, http.StatusConflict, providerResponse{
				Provider: string(r.engine.ActiveProvider()),
				Error:    err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, providerResponse{Provider: string(r.engine.ActiveProvider())})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (r *Runtime) handleNotes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	notes, err := r.notes.ListRecent(req.Context(), limit)
	if err != nil {
		r.logger.Warn("failed to list notes", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (r *Runtime) handleDevices(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.devices == nil {
		writeJSON(w, http.StatusOK, []capture.DeviceInfo{})
		return
	}
	writeJSON(w, http.StatusOK, r.devices.Devices())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
