package stt

import (
	"context"
	"fmt"
)

// ProviderID identifies a recognition back end.
type ProviderID string

const (
	ProviderOnDevice ProviderID = "on-device"
	ProviderCloud    ProviderID = "cloud"
)

func ParseProviderID(s string) (ProviderID, error) {
	switch ProviderID(s) {
	case ProviderOnDevice:
		return ProviderOnDevice, nil
	case ProviderCloud:
		return ProviderCloud, nil
	default:
		return "", fmt.Errorf("unknown stt provider %q", s)
	}
}

// Provider is the common contract both back ends implement. Adapters push
// stream events through the emit callback handed to them at construction;
// ProcessFile additionally returns the final result directly. Callers
// consuming both must not double-count.
type Provider interface {
	Initialize(ctx context.Context) error
	ProcessFile(ctx context.Context, path string) (Result, error)
	Dispose() error
}
