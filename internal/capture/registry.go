package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxnote/voxnote/internal/bus"
	"github.com/voxnote/voxnote/internal/config"
	"github.com/voxnote/voxnote/internal/protocol"
)

// DeviceInfo is the daemon's view of one capture device.
type DeviceInfo struct {
	ID       string                  `json:"id"`
	Platform string                  `json:"platform,omitempty"`
	State    protocol.RecordingState `json:"state"`
	LastSeen time.Time               `json:"last_seen"`
	Healthy  bool                    `json:"healthy"`
}

// Registry tracks capture devices announcing themselves on the bus and
// expires the ones that stop heartbeating.
type Registry struct {
	cfg     config.CaptureConfig
	log     *slog.Logger
	bus     *bus.Client
	mu      sync.RWMutex
	devices map[string]*DeviceInfo
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	meter   metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.CaptureConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "capture-registry")),
		bus:     busClient,
		devices: make(map[string]*DeviceInfo),
		meter:   otel.Meter("github.com/voxnote/voxnote/capture"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectDeviceAnnounce, r.handleAnnounce)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectDeviceHeartbeatPrefix+".>", r.handleHeartbeat)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.DeviceAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid device announce", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateDevice(announcement.DeviceID, announcement.Platform, protocol.RecordingStateReady, announcement.Timestamp)
	r.log.Info("capture device announced",
		slog.String("device", announcement.DeviceID),
		slog.String("platform", announcement.Platform))
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.DeviceHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid device heartbeat", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateDevice(hb.DeviceID, "", hb.State, hb.Timestamp)
}

func (r *Registry) updateDevice(deviceID, platform string, state protocol.RecordingState, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	if !ok {
		device = &DeviceInfo{ID: deviceID}
		r.devices[deviceID] = device
	}
	if platform != "" {
		device.Platform = platform
	}
	if state != "" {
		device.State = state
	}
	device.LastSeen = timestamp
	device.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, device := range r.devices {
		if now.Sub(device.LastSeen) > timeout {
			device.Healthy = false
		}
	}
}

// Devices returns a snapshot of known devices.
func (r *Registry) Devices() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]DeviceInfo, 0, len(r.devices))
	for _, device := range r.devices {
		results = append(results, *device)
	}
	return results
}

func (r *Registry) initMetrics() error {
	deviceGauge, err := r.meter.Int64ObservableGauge("voxnote.capture.devices",
		metric.WithDescription("Number of known capture devices"))
	if err != nil {
		return err
	}
	recordingGauge, err := r.meter.Int64ObservableGauge("voxnote.capture.recording",
		metric.WithDescription("Capture devices currently recording"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		devices, recording := r.snapshotCounts()
		obs.ObserveInt64(deviceGauge, devices)
		obs.ObserveInt64(recordingGauge, recording)
		return nil
	}, deviceGauge, recordingGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var devices int64
	var recording int64
	for _, device := range r.devices {
		devices++
		if device.State == protocol.RecordingStateRecording {
			recording++
		}
	}
	return devices, recording
}
