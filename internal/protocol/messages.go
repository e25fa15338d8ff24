package protocol

import "time"

// RecordingState mirrors the capture collaborator's state machine.
type RecordingState string

const (
	RecordingStateReady            RecordingState = "ready"
	RecordingStateRecording        RecordingState = "recording"
	RecordingStatePaused           RecordingState = "paused"
	RecordingStateStopped          RecordingState = "stopped"
	RecordingStatePermissionDenied RecordingState = "permissionDenied"
	RecordingStateError            RecordingState = "error"
)

// RecordingFinished announces a completed capture ready for transcription.
type RecordingFinished struct {
	SessionID  string `json:"session_id"`
	DeviceID   string `json:"device_id"`
	Path       string `json:"path"`
	DurationMS int64  `json:"duration_ms"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Language   string `json:"language,omitempty"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Provider   string    `json:"provider"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NoteSaved announces a persisted note.
type NoteSaved struct {
	NoteID    string    `json:"note_id"`
	SessionID string    `json:"session_id"`
	Provider  string    `json:"provider"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceAnnounce is sent by a capture device when it joins the bus.
type DeviceAnnounce struct {
	DeviceID  string    `json:"device_id"`
	Platform  string    `json:"platform"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceHeartbeat carries the device's liveness and recording state.
type DeviceHeartbeat struct {
	DeviceID  string         `json:"device_id"`
	State     RecordingState `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
}

const (
	SubjectRecordingFinished     = "capture.recording.finished"
	SubjectTranscriptPartial     = "stt.text.partial"
	SubjectTranscriptFinal       = "stt.text.final"
	SubjectNoteSaved             = "notes.saved"
	SubjectDeviceAnnounce        = "ctrl.device.announce"
	SubjectDeviceHeartbeatPrefix = "ctrl.device.heartbeat"
)
