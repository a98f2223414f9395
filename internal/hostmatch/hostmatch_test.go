package hostmatch

import (
	"testing"

	"github.com/flowmesh/lbcore/internal/faults"
)

func TestResolve_ExactBeatsWildcard(t *testing.T) {
	wild, err := CompilePatterns("wild-svc", []string{"*.example.com"})
	if err != nil {
		t.Fatalf("compile wildcard: %v", err)
	}
	exact, err := CompilePatterns("exact-svc", []string{"api.example.com"})
	if err != nil {
		t.Fatalf("compile exact: %v", err)
	}

	all := append(append([]Pattern{}, wild...), exact...)
	m, err := Resolve("api.example.com", all)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.Service != "exact-svc" {
		t.Fatalf("expected exact-svc to win, got %s", m.Service)
	}
}

func TestResolve_RoundTripTemplate(t *testing.T) {
	patterns, err := CompilePatterns("svc", []string{`(.+)\.(.+)\.com`})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	m, err := Resolve("a.b.com", patterns)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := ExpandTemplate("https://$1-$2.origin", m.Captures)
	if got != "https://a-b.origin" {
		t.Fatalf("expand = %q, want https://a-b.origin", got)
	}
}

func TestResolve_Wildcard(t *testing.T) {
	patterns, err := CompilePatterns("svc", []string{"*.example.com"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	m, err := Resolve("tenant1.example.com", patterns)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(m.Captures) != 1 || m.Captures[0] != "tenant1" {
		t.Fatalf("captures = %v, want [tenant1]", m.Captures)
	}
}

func TestResolve_NoMatch(t *testing.T) {
	patterns, err := CompilePatterns("svc", []string{"api.example.com"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	_, err = Resolve("other.example.com", patterns)
	if err == nil {
		t.Fatalf("expected error for no match")
	}
	fe, ok := faults.AsError(err)
	if !ok || fe.Class != faults.ClassNoMatchingService {
		t.Fatalf("expected ClassNoMatchingService, got %v", err)
	}
}

func TestCompilePatterns_InvalidRegexIsHardError(t *testing.T) {
	_, err := CompilePatterns("svc", []string{"a(b"})
	if err == nil {
		t.Fatalf("expected error for invalid regex")
	}
	fe, ok := faults.AsError(err)
	if !ok || fe.Class != faults.ClassConfigInvalid {
		t.Fatalf("expected ClassConfigInvalid, got %v", err)
	}
}

func TestResolve_CaseInsensitiveAndPortStripped(t *testing.T) {
	patterns, err := CompilePatterns("svc", []string{"api.example.com"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	m, err := Resolve("API.Example.COM:8443", patterns)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.Service != "svc" {
		t.Fatalf("expected match, got %+v", m)
	}
}
