package spoof

import (
	"fmt"
	"strings"
	"time"
)

// Sample is a single geolocation reading. Altitude and Speed are nullable
// because many devices omit them; the heuristics treat absence as a signal.
type Sample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	Altitude   *float64  `json:"altitude,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// IntegrityReport is the client's description of its location API surface,
// gathered before any sampling starts.
type IntegrityReport struct {
	// GetCurrentPositionImpl and WatchPositionImpl carry the textual
	// representation of the respective API entry points.
	GetCurrentPositionImpl string `json:"get_current_position_impl"`
	WatchPositionImpl      string `json:"watch_position_impl"`
	UserAgent              string `json:"user_agent"`
	// ProbeError is set when the client failed while probing its own API
	// surface. Inability to verify counts as suspicion, not as a pass.
	ProbeError string `json:"probe_error,omitempty"`
}

// IntegrityResult is the outcome of CheckAPIIntegrity.
type IntegrityResult struct {
	IsSuspicious bool     `json:"is_suspicious"`
	Reasons      []string `json:"reasons,omitempty"`
}

// mockMarkers are user-agent substrings left behind by common location
// spoofing tools.
var mockMarkers = []string{
	"fakegps",
	"mockgps",
	"mock location",
	"gps joystick",
	"gpsjoystick",
	"locationspoofer",
	"fake location",
}

// CheckAPIIntegrity inspects the reported location API surface for tampering.
// Absence of evidence is not evidence of absence: only explicit positive
// signals add reasons, but a failed probe itself is one such signal.
func CheckAPIIntegrity(rep IntegrityReport) IntegrityResult {
	var reasons []string

	if rep.ProbeError != "" {
		reasons = append(reasons, fmt.Sprintf("API surface could not be verified: %s", rep.ProbeError))
	} else {
		if rep.GetCurrentPositionImpl != "" && !strings.Contains(rep.GetCurrentPositionImpl, "[native code]") {
			reasons = append(reasons, "getCurrentPosition does not reference a native implementation")
		}
		if rep.WatchPositionImpl != "" && !strings.Contains(rep.WatchPositionImpl, "[native code]") {
			reasons = append(reasons, "watchPosition does not reference a native implementation")
		}
	}

	ua := strings.ToLower(rep.UserAgent)
	for _, marker := range mockMarkers {
		if strings.Contains(ua, marker) {
			reasons = append(reasons, fmt.Sprintf("user agent contains mock-location marker %q", marker))
		}
	}

	return IntegrityResult{IsSuspicious: len(reasons) > 0, Reasons: reasons}
}

// Validation is the outcome of ValidateReading. Warnings are non-fatal
// quality flags and never block verification by themselves.
type Validation struct {
	IsValid  bool     `json:"is_valid"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidateReading flags physically implausible properties of a single
// reading. Accuracy of exactly zero or under a meter does not occur on real
// receivers, and a sub-10 m fix without an altitude is unusual for real GPS
// hardware.
func ValidateReading(s Sample) Validation {
	var warnings []string
	if s.Accuracy == 0 {
		warnings = append(warnings, "accuracy is exactly zero")
	}
	if s.Accuracy > 0 && s.Accuracy < 1 {
		warnings = append(warnings, fmt.Sprintf("accuracy %.2fm is implausibly precise", s.Accuracy))
	}
	if s.Altitude == nil && s.Accuracy < 10 {
		warnings = append(warnings, "high-accuracy fix reports no altitude")
	}
	if s.Speed != nil && *s.Speed > 100 {
		warnings = append(warnings, fmt.Sprintf("reported speed %.1f m/s exceeds plausible movement", *s.Speed))
	}
	return Validation{IsValid: len(warnings) == 0, Warnings: warnings}
}

// Analysis is the outcome of AnalyzeSamples.
type Analysis struct {
	IsSuspicious bool   `json:"is_suspicious"`
	Reason       string `json:"reason,omitempty"`
}

// AnalyzeSamples inspects a sequence of readings for synthetic sources. Real
// GPS hardware shows micro-jitter between successive fixes even when
// stationary; bit-identical coordinates and accuracy across the whole
// sequence indicate a replayed or mocked position.
func AnalyzeSamples(samples []Sample) Analysis {
	if len(samples) < 2 {
		return Analysis{}
	}
	first := samples[0]
	for _, s := range samples[1:] {
		if s.Latitude != first.Latitude || s.Longitude != first.Longitude || s.Accuracy != first.Accuracy {
			return Analysis{}
		}
	}
	return Analysis{IsSuspicious: true, Reason: "perfectly static readings across all samples"}
}
