package geo

import (
	"math"
	"testing"
)

func TestDistanceZeroForSamePoint(t *testing.T) {
	points := [][2]float64{
		{0, 0},
		{12.9716, 77.5946},
		{-33.8688, 151.2093},
		{89.9, -179.9},
	}
	for _, p := range points {
		if d := DistanceMeters(p[0], p[1], p[0], p[1]); d != 0 {
			t.Errorf("DistanceMeters(%v,%v,same) = %v, want 0", p[0], p[1], d)
		}
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := DistanceMeters(12.9716, 77.5946, 13.0827, 80.2707)
	b := DistanceMeters(13.0827, 80.2707, 12.9716, 77.5946)
	if math.Abs(a-b) > 1e-9 {
		t.Errorf("distance not symmetric: %v vs %v", a, b)
	}
}

func TestDistanceKnownPair(t *testing.T) {
	// Bangalore to Chennai, roughly 290 km.
	d := DistanceMeters(12.9716, 77.5946, 13.0827, 80.2707)
	if d < 280000 || d > 300000 {
		t.Errorf("Bangalore-Chennai distance = %v m, want ~290 km", d)
	}

	// One degree of latitude at the equator is about 111.19 km.
	d = DistanceMeters(0, 0, 1, 0)
	want := earthRadiusMeters * math.Pi / 180
	if math.Abs(d-want)/want > 1e-6 {
		t.Errorf("one degree latitude = %v m, want %v (rel err > 1e-6)", d, want)
	}
}

func TestDistanceShortRange(t *testing.T) {
	// ~11 m for a 1e-4 degree latitude delta.
	d := DistanceMeters(12.9716, 77.5946, 12.9717, 77.5946)
	if d < 10 || d > 12.5 {
		t.Errorf("short-range distance = %v m, want ~11 m", d)
	}
}
