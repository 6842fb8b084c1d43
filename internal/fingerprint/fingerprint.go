package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel values substituted for signals the client could not collect.
// Using fixed strings keeps the canonical form stable across visits.
const (
	SentinelNoWebGL     = "no-webgl"
	SentinelCanvasError = "canvas-error"
	SentinelUnknown     = "unknown"
)

// SignalSet is a fixed-field snapshot of device/browser signals. Optional
// signals use pointer fields; Normalize fills absent values with sentinels
// before hashing so the serialization stays canonical.
type SignalSet struct {
	UserAgent           string   `json:"user_agent"`
	Language            string   `json:"language"`
	Platform            string   `json:"platform"`
	ScreenWidth         int      `json:"screen_width"`
	ScreenHeight        int      `json:"screen_height"`
	Timezone            string   `json:"timezone"`
	ColorDepth          int      `json:"color_depth"`
	TouchSupport        bool     `json:"touch_support"`
	HardwareConcurrency int      `json:"hardware_concurrency"`
	DeviceMemory        *float64 `json:"device_memory,omitempty"`
	WebGLVendor         string   `json:"webgl_vendor"`
	WebGLRenderer       string   `json:"webgl_renderer"`
	CanvasHash          string   `json:"canvas_hash"`
}

// Normalize returns a copy with absent optional signals replaced by sentinels.
func (s SignalSet) Normalize() SignalSet {
	if s.UserAgent == "" {
		s.UserAgent = SentinelUnknown
	}
	if s.Language == "" {
		s.Language = SentinelUnknown
	}
	if s.Platform == "" {
		s.Platform = SentinelUnknown
	}
	if s.Timezone == "" {
		s.Timezone = SentinelUnknown
	}
	if s.WebGLVendor == "" {
		s.WebGLVendor = SentinelNoWebGL
	}
	if s.WebGLRenderer == "" {
		s.WebGLRenderer = SentinelNoWebGL
	}
	if s.CanvasHash == "" {
		s.CanvasHash = SentinelCanvasError
	}
	return s
}

// Canonical serializes the normalized signal set in fixed field order.
// The order is part of the on-device contract: changing it changes every
// stored fingerprint.
func (s SignalSet) Canonical() string {
	n := s.Normalize()
	mem := "absent"
	if n.DeviceMemory != nil {
		mem = strconv.FormatFloat(*n.DeviceMemory, 'g', -1, 64)
	}
	parts := []string{
		n.UserAgent,
		n.Language,
		n.Platform,
		strconv.Itoa(n.ScreenWidth) + "x" + strconv.Itoa(n.ScreenHeight),
		n.Timezone,
		strconv.Itoa(n.ColorDepth),
		strconv.FormatBool(n.TouchSupport),
		strconv.Itoa(n.HardwareConcurrency),
		mem,
		n.WebGLVendor,
		n.WebGLRenderer,
		n.CanvasHash,
	}
	return strings.Join(parts, "|")
}

// Compute hashes the canonical form with SHA-256 and renders lowercase hex.
func Compute(s SignalSet) string {
	sum := sha256.Sum256([]byte(s.Canonical()))
	return hex.EncodeToString(sum[:])
}

// ShortForm returns an 8-character uppercase display identifier. It has no
// security role.
func ShortForm(hash string) string {
	if len(hash) < 8 {
		return strings.ToUpper(hash)
	}
	return strings.ToUpper(hash[:8])
}

// Consistency is the outcome of comparing the current fingerprint against the
// stored baseline.
type Consistency struct {
	IsConsistent bool   `json:"is_consistent"`
	Current      string `json:"current"`
	Stored       string `json:"stored"`
}

// Engine computes fingerprints and tracks the per-device baseline.
type Engine struct {
	store Store
}

// NewEngine creates an engine over the given baseline store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// VerifyConsistency compares the fingerprint of signals against the baseline
// stored under deviceKey. The first observation is adopted as the baseline and
// treated as consistent. Comparison is exact string equality; a changed signal
// (browser update, new GPU driver) shows up as a mismatch.
func (e *Engine) VerifyConsistency(ctx context.Context, deviceKey string, signals SignalSet) (Consistency, error) {
	current := Compute(signals)
	stored, ok, err := e.store.Get(ctx, deviceKey)
	if err != nil {
		return Consistency{}, fmt.Errorf("fingerprint: load baseline: %w", err)
	}
	if !ok {
		if err := e.store.Put(ctx, deviceKey, current); err != nil {
			return Consistency{}, fmt.Errorf("fingerprint: store baseline: %w", err)
		}
		return Consistency{IsConsistent: true, Current: current, Stored: current}, nil
	}
	return Consistency{
		IsConsistent: stored == current,
		Current:      current,
		Stored:       stored,
	}, nil
}
