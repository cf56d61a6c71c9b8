package store

import (
	"math/rand"
	"testing"
)

func TestDeriveHealth(t *testing.T) {
	cases := []struct {
		name     string
		statuses []EndpointStatus
		want     HealthStatus
		wantLast *bool
	}{
		{"empty", nil, HealthUnknown, nil},
		{"all success", []EndpointStatus{StatusSuccess, StatusSuccess}, HealthHealthy, boolPtr(true)},
		{"all fail", []EndpointStatus{StatusFail, StatusFail}, HealthUnhealthy, boolPtr(false)},
		{"mixed", []EndpointStatus{StatusSuccess, StatusFail}, HealthPartial, boolPtr(true)},
		{"single success", []EndpointStatus{StatusSuccess}, HealthHealthy, boolPtr(true)},
		{"single fail", []EndpointStatus{StatusFail}, HealthUnhealthy, boolPtr(false)},
	}
	for _, tc := range cases {
		got, last := DeriveHealth(tc.statuses)
		if got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
		if (last == nil) != (tc.wantLast == nil) {
			t.Errorf("%s: lastStatus nil mismatch", tc.name)
			continue
		}
		if last != nil && *last != *tc.wantLast {
			t.Errorf("%s: lastStatus got %v, want %v", tc.name, *last, *tc.wantLast)
		}
	}
}

// The derivation must be a pure function of the status multiset, whatever
// order the probes finished in.
func TestDeriveHealthOrderIndependent(t *testing.T) {
	statuses := []EndpointStatus{StatusSuccess, StatusFail, StatusSuccess, StatusFail, StatusFail}
	want, _ := DeriveHealth(statuses)

	for i := 0; i < 50; i++ {
		shuffled := make([]EndpointStatus, len(statuses))
		copy(shuffled, statuses)
		rand.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got, _ := DeriveHealth(shuffled)
		if got != want {
			t.Fatalf("order changed derivation: got %q, want %q", got, want)
		}
	}
}

func TestSchedulerConfigNormalize(t *testing.T) {
	cfg := &SchedulerConfig{
		ChannelConcurrency:   0,
		MaxGlobalConcurrency: 0,
		MinJitterMs:          -5,
		MaxJitterMs:          -10,
	}
	cfg.Normalize()

	if cfg.ChannelConcurrency != 1 {
		t.Errorf("ChannelConcurrency = %d, want 1", cfg.ChannelConcurrency)
	}
	if cfg.MaxGlobalConcurrency < cfg.ChannelConcurrency {
		t.Errorf("MaxGlobalConcurrency %d below ChannelConcurrency %d", cfg.MaxGlobalConcurrency, cfg.ChannelConcurrency)
	}
	if cfg.MinJitterMs != 0 {
		t.Errorf("MinJitterMs = %d, want 0", cfg.MinJitterMs)
	}
	if cfg.MaxJitterMs < cfg.MinJitterMs {
		t.Errorf("MaxJitterMs %d below MinJitterMs %d", cfg.MaxJitterMs, cfg.MinJitterMs)
	}

	cfg = &SchedulerConfig{ChannelConcurrency: 10, MaxGlobalConcurrency: 4}
	cfg.Normalize()
	if cfg.MaxGlobalConcurrency != 10 {
		t.Errorf("MaxGlobalConcurrency = %d, want raised to 10", cfg.MaxGlobalConcurrency)
	}
}

func boolPtr(b bool) *bool { return &b }
