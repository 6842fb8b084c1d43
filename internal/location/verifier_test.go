package location

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"attendguard/internal/spoof"
)

func cleanReport() spoof.IntegrityReport {
	return spoof.IntegrityReport{
		GetCurrentPositionImpl: "function getCurrentPosition() { [native code] }",
		WatchPositionImpl:      "function watchPosition() { [native code] }",
		UserAgent:              "Mozilla/5.0 (Linux; Android 13)",
	}
}

// jitterProvider returns readings around a fixed point with realistic
// micro-jitter between fixes.
func jitterProvider(lat, lon float64) spoof.Provider {
	rng := rand.New(rand.NewSource(42))
	return spoof.ProviderFunc(func(ctx context.Context) (spoof.Sample, error) {
		alt := 820.0
		return spoof.Sample{
			Latitude:   lat + rng.Float64()*1e-6,
			Longitude:  lon + rng.Float64()*1e-6,
			Accuracy:   8 + rng.Float64(),
			Altitude:   &alt,
			CapturedAt: time.Now(),
		}, nil
	})
}

func staticProvider(lat, lon, accuracy float64) spoof.Provider {
	return spoof.ProviderFunc(func(ctx context.Context) (spoof.Sample, error) {
		return spoof.Sample{Latitude: lat, Longitude: lon, Accuracy: accuracy, CapturedAt: time.Now()}, nil
	})
}

func newTestVerifier(p spoof.Provider, fence *Geofence) *Verifier {
	return NewVerifier(spoof.NewSampler(p, time.Second), fence, nil)
}

func TestVerifySpoofedOnTamperedAPI(t *testing.T) {
	v := newTestVerifier(jitterProvider(12.97, 77.59), nil)
	report := cleanReport()
	report.GetCurrentPositionImpl = "function () { return fake }"

	out := v.Verify(context.Background(), report)
	if out.State != StateSpoofed {
		t.Fatalf("state = %v, want spoofed", out.State)
	}
	if len(out.Reasons) == 0 {
		t.Error("spoofed outcome carries no reasons")
	}
	if v.State() != StateSpoofed {
		t.Errorf("verifier state = %v", v.State())
	}
}

func TestVerifySpoofedOnStaticSamples(t *testing.T) {
	fence := &Geofence{Latitude: 12.97, Longitude: 77.59, RadiusMeters: 200}
	// Samples sit inside the fence; spoofing must still block regardless of
	// distance.
	v := newTestVerifier(staticProvider(12.97, 77.59, 10), fence)

	out := v.Verify(context.Background(), cleanReport())
	if out.State != StateSpoofed {
		t.Fatalf("state = %v, want spoofed", out.State)
	}
}

func TestVerifyWithinFence(t *testing.T) {
	fence := &Geofence{Latitude: 12.97, Longitude: 77.59, RadiusMeters: 200}
	v := newTestVerifier(jitterProvider(12.9701, 77.5901), fence)

	out := v.Verify(context.Background(), cleanReport())
	if out.State != StateVerified {
		t.Fatalf("state = %v (%s), want verified", out.State, out.Message)
	}
	if out.Latitude == 0 || out.Longitude == 0 {
		t.Error("verified outcome missing coordinates")
	}
}

func TestVerifyOutsideFence(t *testing.T) {
	fence := &Geofence{Latitude: 12.97, Longitude: 77.59, RadiusMeters: 200}
	// ~15 km away.
	v := newTestVerifier(jitterProvider(13.10, 77.60), fence)

	out := v.Verify(context.Background(), cleanReport())
	if out.State != StateFailed {
		t.Fatalf("state = %v, want failed", out.State)
	}
	if out.DistanceMeters <= 200 {
		t.Errorf("distance = %v, want > radius", out.DistanceMeters)
	}
	if !strings.Contains(out.Message, "away") {
		t.Errorf("failure message should carry the distance: %q", out.Message)
	}
}

func TestVerifyCapabilityMode(t *testing.T) {
	v := newTestVerifier(jitterProvider(48.85, 2.35), nil)
	out := v.Verify(context.Background(), cleanReport())
	if out.State != StateVerified {
		t.Fatalf("state = %v, want verified without a fence", out.State)
	}
}

func TestVerifyMapsProviderFailure(t *testing.T) {
	p := spoof.ProviderFunc(func(ctx context.Context) (spoof.Sample, error) {
		return spoof.Sample{}, &spoof.LocationError{Code: spoof.CodePermissionDenied, Err: errors.New("denied")}
	})
	v := newTestVerifier(p, nil)

	out := v.Verify(context.Background(), cleanReport())
	if out.State != StateFailed {
		t.Fatalf("state = %v, want failed", out.State)
	}
	if !strings.Contains(out.Message, "permission") {
		t.Errorf("message %q does not mention permission", out.Message)
	}
}

func TestVerifyRetriableAfterSpoofed(t *testing.T) {
	calls := 0
	p := spoof.ProviderFunc(func(ctx context.Context) (spoof.Sample, error) {
		calls++
		// First attempt: perfectly static. Later attempts: jittered.
		lat := 12.97
		if calls > 3 {
			lat += float64(calls) * 1e-7
		}
		return spoof.Sample{Latitude: lat, Longitude: 77.59, Accuracy: 10, CapturedAt: time.Now()}, nil
	})
	v := newTestVerifier(p, nil)

	if out := v.Verify(context.Background(), cleanReport()); out.State != StateSpoofed {
		t.Fatalf("first attempt state = %v, want spoofed", out.State)
	}
	if out := v.Verify(context.Background(), cleanReport()); out.State != StateVerified {
		t.Fatalf("retry state = %v, want verified (state must be re-derived fresh)", out.State)
	}
}

func TestCancelledAttemptDoesNotLand(t *testing.T) {
	v := newTestVerifier(jitterProvider(12.97, 77.59), nil)

	done := make(chan Outcome, 1)
	go func() {
		done <- v.Verify(context.Background(), cleanReport())
	}()

	// Cancel while the attempt is sampling (sampling takes ~1.6s of
	// inter-sample delays).
	time.Sleep(100 * time.Millisecond)
	v.Cancel()

	out := <-done
	if out.State == StateVerified {
		t.Error("superseded attempt still reported verified")
	}
	if v.State() != StateIdle {
		t.Errorf("verifier state = %v, want idle after cancel", v.State())
	}
}
