package store

import (
	"testing"
	"time"
)

func TestMemory_ConfigWritesPersistImmediately(t *testing.T) {
	s := NewMemory(100)
	s.Put(KeyConfig, "cfg-v1")
	got, ok := s.Get(KeyConfig)
	if !ok || got != "cfg-v1" {
		t.Fatalf("expected immediate config write, got %v ok=%v", got, ok)
	}
}

func TestMemory_MetricsWritesCoalesce(t *testing.T) {
	s := NewMemory(3)
	s.Put(KeyMetrics, "m1")
	s.Put(KeyMetrics, "m2")
	if _, ok := s.Get(KeyMetrics); ok {
		t.Fatalf("expected metrics write to be coalesced before threshold")
	}
	s.Put(KeyMetrics, "m3")
	got, ok := s.Get(KeyMetrics)
	if !ok || got != "m3" {
		t.Fatalf("expected metrics flushed at threshold, got %v ok=%v", got, ok)
	}
}

func TestMemory_Alarm(t *testing.T) {
	s := NewMemory(100)
	if _, ok := s.GetAlarm(); ok {
		t.Fatalf("expected no alarm initially")
	}
	now := time.Now()
	s.SetAlarm(now)
	got, ok := s.GetAlarm()
	if !ok || !got.Equal(now) {
		t.Fatalf("expected alarm = %v, got %v ok=%v", now, got, ok)
	}
}
