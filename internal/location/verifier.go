package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"attendguard/internal/geo"
	"attendguard/internal/spoof"
)

// State is the verifier's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateVerifying  State = "verifying"
	StateVerified   State = "verified"
	StateFailed     State = "failed"
	StateSpoofed    State = "spoofed"
)

// Geofence is a center coordinate plus an acceptance radius in meters.
type Geofence struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Outcome is the terminal result of a verification attempt.
type Outcome struct {
	State          State    `json:"state"`
	Latitude       float64  `json:"latitude,omitempty"`
	Longitude      float64  `json:"longitude,omitempty"`
	DistanceMeters float64  `json:"distance_meters,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	Reasons        []string `json:"reasons,omitempty"`
	Message        string   `json:"message,omitempty"`
}

const (
	sampleCount    = 3
	sampleInterval = 800 * time.Millisecond
)

// Verifier runs the location pipeline: API integrity check, serialized
// sampling, static-readings analysis, quality validation, then the geofence
// distance check. Every attempt derives its state fresh; nothing is memoized
// across retries.
type Verifier struct {
	sampler *spoof.Sampler
	fence   *Geofence
	log     *zap.Logger

	mu    sync.Mutex
	state State
	// gen invalidates results that land after a newer attempt or a Cancel.
	gen int
}

// NewVerifier creates a verifier. fence may be nil for capability-check mode,
// where any clean reading verifies.
func NewVerifier(sampler *spoof.Sampler, fence *Geofence, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{sampler: sampler, fence: fence, log: log, state: StateIdle}
}

// State returns the current lifecycle state.
func (v *Verifier) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Cancel invalidates any in-flight attempt. The attempt's eventual result is
// discarded rather than applied to stale state.
func (v *Verifier) Cancel() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen++
	v.state = StateIdle
}

// begin starts a new attempt and returns its generation.
func (v *Verifier) begin() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen++
	v.state = StateRequesting
	return v.gen
}

// settle applies a state if the attempt is still current. A stale attempt's
// outcome is dropped and reported as such.
func (v *Verifier) settle(gen int, state State) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen {
		return false
	}
	v.state = state
	return true
}

// Verify runs one full verification attempt over the client's integrity
// report. It always resolves to a terminal outcome; a cancelled attempt
// resolves to failed with a stale-attempt message.
func (v *Verifier) Verify(ctx context.Context, report spoof.IntegrityReport) Outcome {
	gen := v.begin()

	if integrity := spoof.CheckAPIIntegrity(report); integrity.IsSuspicious {
		v.log.Warn("location API integrity check failed", zap.Strings("reasons", integrity.Reasons))
		out := Outcome{
			State:   StateSpoofed,
			Reasons: integrity.Reasons,
			Message: "Location spoofing detected",
		}
		if !v.settle(gen, StateSpoofed) {
			return staleOutcome()
		}
		return out
	}

	if !v.settle(gen, StateVerifying) {
		return staleOutcome()
	}

	samples, err := v.sampler.Collect(ctx, sampleCount, sampleInterval)
	if err != nil {
		out := Outcome{State: StateFailed, Message: failureMessage(spoof.CodeOf(err))}
		v.log.Warn("location sampling failed", zap.String("code", string(spoof.CodeOf(err))), zap.Error(err))
		if !v.settle(gen, StateFailed) {
			return staleOutcome()
		}
		return out
	}

	if analysis := spoof.AnalyzeSamples(samples); analysis.IsSuspicious {
		v.log.Warn("sample analysis flagged spoofing", zap.String("reason", analysis.Reason))
		out := Outcome{
			State:   StateSpoofed,
			Reasons: []string{analysis.Reason},
			Message: "Location spoofing detected",
		}
		if !v.settle(gen, StateSpoofed) {
			return staleOutcome()
		}
		return out
	}

	latest := samples[len(samples)-1]
	validation := spoof.ValidateReading(latest)

	// No geofence configured: capability-check mode, any clean reading passes.
	if v.fence == nil {
		out := Outcome{
			State:     StateVerified,
			Latitude:  latest.Latitude,
			Longitude: latest.Longitude,
			Warnings:  validation.Warnings,
			Message:   "Location captured",
		}
		if !v.settle(gen, StateVerified) {
			return staleOutcome()
		}
		return out
	}

	distance := geo.DistanceMeters(latest.Latitude, latest.Longitude, v.fence.Latitude, v.fence.Longitude)
	if distance <= v.fence.RadiusMeters {
		out := Outcome{
			State:          StateVerified,
			Latitude:       latest.Latitude,
			Longitude:      latest.Longitude,
			DistanceMeters: distance,
			Warnings:       validation.Warnings,
			Message:        fmt.Sprintf("Within %.0fm of the target", v.fence.RadiusMeters),
		}
		if !v.settle(gen, StateVerified) {
			return staleOutcome()
		}
		return out
	}

	out := Outcome{
		State:          StateFailed,
		Latitude:       latest.Latitude,
		Longitude:      latest.Longitude,
		DistanceMeters: distance,
		Warnings:       validation.Warnings,
		Message:        fmt.Sprintf("You are %.0fm away; submissions are accepted within %.0fm", distance, v.fence.RadiusMeters),
	}
	if !v.settle(gen, StateFailed) {
		return staleOutcome()
	}
	return out
}

func staleOutcome() Outcome {
	return Outcome{State: StateFailed, Message: "Verification attempt superseded"}
}

func failureMessage(code spoof.ErrorCode) string {
	switch code {
	case spoof.CodePermissionDenied:
		return "Location permission denied. Allow location access and retry."
	case spoof.CodePositionUnavailable:
		return "Location unavailable. Move to an open area and retry."
	case spoof.CodeTimeout:
		return "Location request timed out. Retry."
	default:
		return "Location verification failed. Retry."
	}
}
