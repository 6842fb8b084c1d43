package spoof

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a failed location request, mirroring the platform's
// failure codes.
type ErrorCode string

const (
	CodePermissionDenied    ErrorCode = "permission_denied"
	CodePositionUnavailable ErrorCode = "position_unavailable"
	CodeTimeout             ErrorCode = "timeout"
	CodeUnknown             ErrorCode = "unknown"
)

// LocationError wraps a provider failure with its platform code.
type LocationError struct {
	Code ErrorCode
	Err  error
}

func (e *LocationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("location error: %s", e.Code)
	}
	return fmt.Sprintf("location error (%s): %v", e.Code, e.Err)
}

func (e *LocationError) Unwrap() error { return e.Err }

// CodeOf extracts the ErrorCode from err, defaulting to CodeUnknown. A
// context deadline maps to the platform's timeout code.
func CodeOf(err error) ErrorCode {
	var le *LocationError
	if errors.As(err, &le) {
		return le.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnknown
}

// Provider delivers a single fresh geolocation reading. Implementations must
// honor ctx cancellation and must not serve cached fixes.
type Provider interface {
	Sample(ctx context.Context) (Sample, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (Sample, error)

func (f ProviderFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// DefaultSampleTimeout bounds each individual reading.
const DefaultSampleTimeout = 5 * time.Second

// Sampler serializes successive readings with fixed inter-sample delays. The
// static-readings heuristic depends on observing temporal variation between
// sequential fixes, so readings are never issued concurrently.
type Sampler struct {
	provider Provider
	timeout  time.Duration
}

// NewSampler creates a sampler over provider. A non-positive timeout falls
// back to DefaultSampleTimeout.
func NewSampler(provider Provider, timeout time.Duration) *Sampler {
	if timeout <= 0 {
		timeout = DefaultSampleTimeout
	}
	return &Sampler{provider: provider, timeout: timeout}
}

// Collect requests count successive readings spaced interval apart. Any
// single failure discards all partial results and returns a *LocationError.
func (s *Sampler) Collect(ctx context.Context, count int, interval time.Duration) ([]Sample, error) {
	if count <= 0 {
		return nil, &LocationError{Code: CodeUnknown, Err: fmt.Errorf("invalid sample count %d", count)}
	}
	samples := make([]Sample, 0, count)
	for i := 0; i < count; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil, &LocationError{Code: CodeOf(ctx.Err()), Err: ctx.Err()}
			}
		}
		sample, err := s.sampleOnce(ctx)
		if err != nil {
			var le *LocationError
			if errors.As(err, &le) {
				return nil, le
			}
			return nil, &LocationError{Code: CodeOf(err), Err: err}
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func (s *Sampler) sampleOnce(ctx context.Context) (Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.provider.Sample(ctx)
}
