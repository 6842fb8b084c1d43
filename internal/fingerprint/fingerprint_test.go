package fingerprint

import (
	"context"
	"strings"
	"testing"
)

func sampleSignals() SignalSet {
	mem := 8.0
	return SignalSet{
		UserAgent:           "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
		Language:            "en-US",
		Platform:            "Linux x86_64",
		ScreenWidth:         1920,
		ScreenHeight:        1080,
		Timezone:            "Asia/Kolkata",
		ColorDepth:          24,
		TouchSupport:        false,
		HardwareConcurrency: 8,
		DeviceMemory:        &mem,
		WebGLVendor:         "Google Inc. (Intel)",
		WebGLRenderer:       "ANGLE (Intel, Mesa Intel UHD Graphics)",
		CanvasHash:          "a1b2c3d4",
	}
}

func TestComputeDeterministic(t *testing.T) {
	a := Compute(sampleSignals())
	b := Compute(sampleSignals())
	if a != b {
		t.Fatalf("identical signals hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 || a != strings.ToLower(a) {
		t.Fatalf("hash %q is not lowercase hex sha256", a)
	}
}

func TestComputeSensitiveToEachSignal(t *testing.T) {
	base := Compute(sampleSignals())

	mutations := map[string]func(*SignalSet){
		"user agent":  func(s *SignalSet) { s.UserAgent = "other" },
		"language":    func(s *SignalSet) { s.Language = "fr-FR" },
		"platform":    func(s *SignalSet) { s.Platform = "Win32" },
		"width":       func(s *SignalSet) { s.ScreenWidth = 1280 },
		"height":      func(s *SignalSet) { s.ScreenHeight = 720 },
		"timezone":    func(s *SignalSet) { s.Timezone = "UTC" },
		"color depth": func(s *SignalSet) { s.ColorDepth = 30 },
		"touch":       func(s *SignalSet) { s.TouchSupport = true },
		"cores":       func(s *SignalSet) { s.HardwareConcurrency = 4 },
		"memory":      func(s *SignalSet) { s.DeviceMemory = nil },
		"webgl":       func(s *SignalSet) { s.WebGLVendor = "NVIDIA" },
		"renderer":    func(s *SignalSet) { s.WebGLRenderer = "GeForce" },
		"canvas":      func(s *SignalSet) { s.CanvasHash = "ffffffff" },
	}
	for name, mutate := range mutations {
		s := sampleSignals()
		mutate(&s)
		if Compute(s) == base {
			t.Errorf("changing %s did not change the hash", name)
		}
	}
}

func TestNormalizeSentinels(t *testing.T) {
	var s SignalSet
	n := s.Normalize()
	if n.WebGLVendor != SentinelNoWebGL || n.WebGLRenderer != SentinelNoWebGL {
		t.Errorf("missing webgl signals not replaced: %+v", n)
	}
	if n.CanvasHash != SentinelCanvasError {
		t.Errorf("missing canvas hash not replaced: %q", n.CanvasHash)
	}
	if n.UserAgent != SentinelUnknown || n.Timezone != SentinelUnknown {
		t.Errorf("missing string signals not replaced: %+v", n)
	}
	if !strings.Contains(s.Canonical(), "absent") {
		t.Errorf("nil device memory should serialize as absent: %q", s.Canonical())
	}
}

func TestShortForm(t *testing.T) {
	if got := ShortForm("a1b2c3d4e5f6"); got != "A1B2C3D4" {
		t.Errorf("ShortForm = %q, want A1B2C3D4", got)
	}
	if got := ShortForm("ab"); got != "AB" {
		t.Errorf("ShortForm of short input = %q, want AB", got)
	}
}

func TestVerifyConsistencyFirstVisitAdoptsBaseline(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(NewMemoryStore())

	res, err := eng.VerifyConsistency(ctx, "device-1", sampleSignals())
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsConsistent {
		t.Error("first visit should be consistent")
	}
	if res.Current != res.Stored {
		t.Errorf("first visit should adopt current as baseline: %+v", res)
	}

	// Same signals on a later visit stay consistent.
	res2, err := eng.VerifyConsistency(ctx, "device-1", sampleSignals())
	if err != nil {
		t.Fatal(err)
	}
	if !res2.IsConsistent || res2.Stored != res.Stored {
		t.Errorf("repeat visit with same signals: %+v", res2)
	}
}

func TestVerifyConsistencyDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(NewMemoryStore())

	if _, err := eng.VerifyConsistency(ctx, "device-2", sampleSignals()); err != nil {
		t.Fatal(err)
	}

	changed := sampleSignals()
	changed.UserAgent = "Mozilla/5.0 (updated browser)"
	res, err := eng.VerifyConsistency(ctx, "device-2", changed)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsConsistent {
		t.Error("changed signals should not be consistent")
	}
	if res.Current == res.Stored {
		t.Error("current and stored should differ on mismatch")
	}
}

func TestMemoryStoreGetIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Put(ctx, "d", "hash"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		got, ok, err := s.Get(ctx, "d")
		if err != nil || !ok || got != "hash" {
			t.Fatalf("Get #%d = (%q,%v,%v)", i, got, ok, err)
		}
	}
}
