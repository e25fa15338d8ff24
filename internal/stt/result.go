package stt

import "errors"

// Result captures recognizer output. Final=false marks a provisional
// hypothesis that may still be revised; Final=true is terminal for the
// utterance. Confidence is a provider-assigned heuristic in [0,1].
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

var (
	// ErrNoCredential means the cloud provider has no API key configured.
	// Distinct from network failure so callers can tell the two apart.
	ErrNoCredential = errors.New("stt: cloud credential not configured")

	// ErrModelUnavailable means the on-device model could not be acquired.
	ErrModelUnavailable = errors.New("stt: on-device model unavailable")

	// ErrNotInitialized means no provider has been initialized yet.
	ErrNotInitialized = errors.New("stt: no active provider")

	// ErrDisposed means the engine has been disposed.
	ErrDisposed = errors.New("stt: engine disposed")

	// ErrUtteranceNotStarted means audio was fed to a recognizer session
	// without an intervening reset after the previous utterance.
	ErrUtteranceNotStarted = errors.New("stt: utterance not started, reset required")
)
