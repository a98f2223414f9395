package geo

import "testing"

func TestHaversineKm_SamePoint(t *testing.T) {
	p := Point{Lat: 40.7128, Lon: -74.0060}
	if d := HaversineKm(p, p); d > 0.0001 {
		t.Errorf("expected ~0 distance, got %f", d)
	}
}

func TestHaversineKm_KnownDistance(t *testing.T) {
	nyc := Point{Lat: 40.7128, Lon: -74.0060}
	london := Point{Lat: 51.5074, Lon: -0.1278}
	d := HaversineKm(nyc, london)
	// Known approximate great-circle distance is ~5570km.
	if d < 5500 || d > 5650 {
		t.Errorf("distance = %f, want ~5570km", d)
	}
}
