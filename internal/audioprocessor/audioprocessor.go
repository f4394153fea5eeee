// Package audioprocessor normalises voice samples before they are sent to the
// voice biometrics service, which expects narrow-band audio.
package audioprocessor

import "context"

// Result is a processed sample.
type Result struct {
	Audio      []byte
	SampleRate int
}

// Client exposes the subset of functionality used by the voice flows.
type Client interface {
	Resample(ctx context.Context, userID string, audio []byte, targetRate int) (*Result, error)
}

// Passthrough returns samples untouched. It is used when no audio processor
// is configured.
type Passthrough struct{}

// Resample returns audio unchanged with an unknown sample rate.
func (Passthrough) Resample(_ context.Context, _ string, audio []byte, _ int) (*Result, error) {
	return &Result{Audio: audio}, nil
}
