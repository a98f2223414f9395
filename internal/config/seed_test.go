package config

import "testing"

func TestParseDefaultBackends_AllShapes(t *testing.T) {
	cases := []string{
		`{"services":[{"hostname":"api.example.com","backends":["https://a","https://b"]}]}`,
		`[{"hostname":"api.example.com","backends":["https://a","https://b"]}]`,
		`{"hostname":"api.example.com","backends":["https://a","https://b"]}`,
	}

	for _, raw := range cases {
		seeds, err := ParseDefaultBackends(raw)
		if err != nil {
			t.Fatalf("ParseDefaultBackends(%q): %v", raw, err)
		}
		if len(seeds) != 1 {
			t.Fatalf("expected 1 seed, got %d for %q", len(seeds), raw)
		}
		if seeds[0].Hostname != "api.example.com" {
			t.Errorf("hostname = %q", seeds[0].Hostname)
		}
		if len(seeds[0].Backends) != 2 {
			t.Errorf("backends = %v", seeds[0].Backends)
		}
	}
}

func TestParseDefaultBackends_Malformed(t *testing.T) {
	if _, err := ParseDefaultBackends("{not json"); err == nil {
		t.Fatal("expected error for malformed input")
	}
}

func TestParseDefaultBackends_Empty(t *testing.T) {
	seeds, err := ParseDefaultBackends("")
	if err != nil || seeds != nil {
		t.Fatalf("expected nil/nil, got %v/%v", seeds, err)
	}
}

func TestBuildFromSeed_Defaults(t *testing.T) {
	sc := BuildFromSeed(ServiceSeed{Hostname: "*.example.com"}, []string{"https://a", "https://b"})
	if len(sc.Pools) != 1 || sc.Pools[0].ID != "default" {
		t.Fatalf("expected single default pool, got %+v", sc.Pools)
	}
	if sc.Pools[0].EndpointSteering != EndpointRoundRobin {
		t.Errorf("steering = %q", sc.Pools[0].EndpointSteering)
	}
	if sc.LoadBalancer.TrafficSteering != TrafficOff {
		t.Errorf("traffic steering = %q", sc.LoadBalancer.TrafficSteering)
	}
	if len(sc.Pools[0].Backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(sc.Pools[0].Backends))
	}
	for _, b := range sc.Pools[0].Backends {
		if b.Weight != 1 || !b.Enabled {
			t.Errorf("backend defaults not applied: %+v", b)
		}
	}
}
