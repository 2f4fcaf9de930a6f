package recovery

import (
	"testing"
	"time"

	"github.com/vietddude/loginflow/internal/core/domain"
)

func TestStrategyDelay(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{
			name: "exponential growth",
			strategy: Strategy{
				BaseDelay:         time.Second,
				BackoffMultiplier: 2.0,
				MaxDelay:          time.Minute,
			},
			attempt: 3,
			want:    8 * time.Second,
		},
		{
			name: "first attempt uses base delay",
			strategy: Strategy{
				BaseDelay:         2 * time.Second,
				BackoffMultiplier: 2.0,
				MaxDelay:          time.Minute,
			},
			attempt: 0,
			want:    2 * time.Second,
		},
		{
			name: "capped at max delay",
			strategy: Strategy{
				BaseDelay:         time.Second,
				BackoffMultiplier: 2.0,
				MaxDelay:          5 * time.Second,
			},
			attempt: 10,
			want:    5 * time.Second,
		},
		{
			name: "floored at one second",
			strategy: Strategy{
				BaseDelay:         100 * time.Millisecond,
				BackoffMultiplier: 2.0,
				MaxDelay:          time.Minute,
			},
			attempt: 0,
			want:    time.Second,
		},
		{
			name: "delay scale applied",
			strategy: Strategy{
				BaseDelay:         2 * time.Second,
				BackoffMultiplier: 2.0,
				MaxDelay:          time.Minute,
				DelayScale:        1.5,
			},
			attempt: 1,
			want:    6 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.strategy.Delay(tt.attempt)
			if got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestStrategyDelayMonotonic(t *testing.T) {
	s := Strategy{
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Minute,
	}
	prev := time.Duration(0)
	for attempt := 0; attempt < 8; attempt++ {
		d := s.Delay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestStrategyJitterBounds(t *testing.T) {
	s := Strategy{
		BaseDelay:         10 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          time.Minute,
		JitterFraction:    0.2,
	}
	// Jitter is +/- half the fraction around the deterministic delay.
	lo := 9 * time.Second
	hi := 11 * time.Second
	for i := 0; i < 100; i++ {
		d := s.Delay(0)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestResolverPrecedence(t *testing.T) {
	override := Strategy{
		MaxAttempts:       7,
		BaseDelay:         3 * time.Second,
		BackoffMultiplier: 1.5,
		MaxDelay:          time.Minute,
	}
	r := NewResolver(map[string]PlatformTuning{
		"linkedin": {
			DelayScale: 2.0,
			Overrides: map[domain.ErrorType]Strategy{
				domain.ErrorTypeNetwork: override,
			},
		},
	})

	t.Run("platform override wins", func(t *testing.T) {
		got := r.Resolve(domain.ErrorTypeNetwork, "linkedin")
		if got.MaxAttempts != 7 || got.BaseDelay != 3*time.Second {
			t.Errorf("expected platform override, got %+v", got)
		}
		if got.DelayScale != 2.0 {
			t.Errorf("DelayScale = %v, want 2.0", got.DelayScale)
		}
	})

	t.Run("error type default", func(t *testing.T) {
		got := r.Resolve(domain.ErrorTypeRateLimited, "facebook")
		if got.BaseDelay != 30*time.Second || got.BackoffMultiplier != 3.0 {
			t.Errorf("expected rate_limited defaults, got %+v", got)
		}
	})

	t.Run("fallback for unknown error type", func(t *testing.T) {
		got := r.Resolve(domain.ErrorTypeUnknown, "facebook")
		if got.MaxAttempts != DefaultStrategy.MaxAttempts {
			t.Errorf("expected default strategy, got %+v", got)
		}
	})

	t.Run("scale applies without override", func(t *testing.T) {
		got := r.Resolve(domain.ErrorTypeTimeout, "linkedin")
		if got.DelayScale != 2.0 {
			t.Errorf("DelayScale = %v, want 2.0", got.DelayScale)
		}
	})
}

func TestMaintenanceWindow(t *testing.T) {
	r := NewResolver(map[string]PlatformTuning{
		"facebook": {
			Windows: []MaintenanceWindow{{Start: "02:00", End: "04:00"}},
		},
		"google": {
			Windows: []MaintenanceWindow{{Start: "23:00", End: "01:00"}},
		},
	})

	tests := []struct {
		name     string
		platform string
		at       time.Time
		want     bool
	}{
		{"inside window", "facebook", time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC), true},
		{"before window", "facebook", time.Date(2026, 9, 1, 1, 59, 0, 0, time.UTC), false},
		{"at window end", "facebook", time.Date(2026, 9, 1, 4, 0, 0, 0, time.UTC), false},
		{"wrapping window late side", "google", time.Date(2026, 9, 1, 23, 30, 0, 0, time.UTC), true},
		{"wrapping window early side", "google", time.Date(2026, 9, 1, 0, 30, 0, 0, time.UTC), true},
		{"wrapping window outside", "google", time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC), false},
		{"untuned platform", "twitter", time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, until := r.InMaintenance(tt.platform, tt.at)
			if in != tt.want {
				t.Errorf("InMaintenance(%s, %v) = %v, want %v", tt.platform, tt.at, in, tt.want)
			}
			if in && !until.After(tt.at) {
				t.Errorf("window end %v not after %v", until, tt.at)
			}
		})
	}
}

func TestPreDelay(t *testing.T) {
	r := NewResolver(map[string]PlatformTuning{
		"instagram": {PreDelay: 5 * time.Second},
	})
	if got := r.PreDelay("instagram"); got != 5*time.Second {
		t.Errorf("PreDelay(instagram) = %v, want 5s", got)
	}
	if got := r.PreDelay("unknown"); got != 0 {
		t.Errorf("PreDelay(unknown) = %v, want 0", got)
	}
}
