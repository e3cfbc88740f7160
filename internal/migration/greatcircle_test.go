package migration

import (
	"math"
	"testing"
)

func TestGreatCircleKm(t *testing.T) {
	if d := greatCircleKm(37.7749, -122.4194, 37.7749, -122.4194); d != 0 {
		t.Fatalf("zero distance got %f", d)
	}
	// One degree of latitude on the reference sphere.
	if d := greatCircleKm(0, 0, 1, 0); math.Abs(d-111.19) > 0.1 {
		t.Fatalf("one degree latitude got %f km", d)
	}
	// San Francisco to New York, within one percent.
	if d := greatCircleKm(37.7749, -122.4194, 40.7128, -74.0060); math.Abs(d-4130) > 45 {
		t.Fatalf("SF to NY got %f km", d)
	}
	// Symmetric in its endpoints.
	a := greatCircleKm(10, 20, -30, 40)
	b := greatCircleKm(-30, 40, 10, 20)
	if math.Abs(a-b) > 1e-9 {
		t.Fatalf("asymmetric: %f vs %f", a, b)
	}
}
