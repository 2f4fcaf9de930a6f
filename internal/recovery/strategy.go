package recovery

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/vietddude/loginflow/internal/core/domain"
)

// minDelay is the floor for any computed backoff delay. It guarantees
// forward progress even for aggressive jitter settings.
const minDelay = time.Second

// Strategy defines how one retry session backs off between attempts.
type Strategy struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	JitterFraction    float64       `yaml:"jitter_fraction"`

	// DelayScale applies a platform-specific multiplier on top of the
	// exponential curve, e.g. 1.5 for platforms strict about rate limits.
	DelayScale float64 `yaml:"delay_scale"`
}

// Delay computes the backoff before the given attempt (0-indexed):
// min(base * multiplier^attempt, maxDelay), scaled, jittered, floored at 1s.
// Exponential growth avoids hammering a failing target; jitter avoids
// synchronized retry storms across concurrent sessions.
func (s Strategy) Delay(attempt int) time.Duration {
	delay := float64(s.BaseDelay) * math.Pow(s.BackoffMultiplier, float64(attempt))
	if delay > float64(s.MaxDelay) {
		delay = float64(s.MaxDelay)
	}
	if s.DelayScale > 0 {
		delay *= s.DelayScale
	}
	if s.JitterFraction > 0 {
		delay += delay * s.JitterFraction * (rand.Float64() - 0.5)
	}
	d := time.Duration(delay)
	if d < minDelay {
		d = minDelay
	}
	return d
}

func (s Strategy) normalize() Strategy {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.BackoffMultiplier <= 0 {
		s.BackoffMultiplier = 2.0
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 60 * time.Second
	}
	if s.MaxDelay < s.BaseDelay {
		s.MaxDelay = s.BaseDelay
	}
	if s.DelayScale <= 0 {
		s.DelayScale = 1.0
	}
	return s
}

// DefaultStrategy is used when neither error-type defaults nor platform
// overrides match.
var DefaultStrategy = Strategy{
	MaxAttempts:       3,
	BaseDelay:         2 * time.Second,
	BackoffMultiplier: 2.0,
	MaxDelay:          60 * time.Second,
	JitterFraction:    0.2,
	DelayScale:        1.0,
}

// errorTypeDefaults tunes the curve per failure class. Rate limits back off
// hard and long; network blips retry quickly.
var errorTypeDefaults = map[domain.ErrorType]Strategy{
	domain.ErrorTypeNetwork: {
		MaxAttempts:       5,
		BaseDelay:         2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          60 * time.Second,
		JitterFraction:    0.2,
	},
	domain.ErrorTypeTimeout: {
		MaxAttempts:       4,
		BaseDelay:         5 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          2 * time.Minute,
		JitterFraction:    0.2,
	},
	domain.ErrorTypeRateLimited: {
		MaxAttempts:       3,
		BaseDelay:         30 * time.Second,
		BackoffMultiplier: 3.0,
		MaxDelay:          10 * time.Minute,
		JitterFraction:    0.3,
	},
	domain.ErrorTypeCaptcha: {
		MaxAttempts:       2,
		BaseDelay:         time.Minute,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Minute,
		JitterFraction:    0.2,
	},
	domain.ErrorTypeWorkerCrashed: {
		MaxAttempts:       3,
		BaseDelay:         10 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          2 * time.Minute,
		JitterFraction:    0.2,
	},
	domain.ErrorTypeTwoFactorExpired: {
		MaxAttempts:       2,
		BaseDelay:         15 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          time.Minute,
		JitterFraction:    0.1,
	},
}

// PlatformTuning overrides strategy parameters for a platform. Overrides are
// keyed by error type; DelayScale applies to every error type on the platform.
type PlatformTuning struct {
	DelayScale float64                       `yaml:"delay_scale"`
	PreDelay   time.Duration                 `yaml:"pre_delay"`
	Overrides  map[domain.ErrorType]Strategy `yaml:"overrides"`
	Windows    []MaintenanceWindow           `yaml:"maintenance_windows"`
}

// MaintenanceWindow blocks attempts during a recurring daily interval.
// Start and End are "HH:MM" in UTC; windows may wrap midnight.
type MaintenanceWindow struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Resolver resolves the effective strategy for an (errorType, platform) pair.
// Precedence: platform override > error-type default > DefaultStrategy.
type Resolver struct {
	platforms map[string]PlatformTuning
}

// NewResolver creates a resolver with the given platform tuning table.
func NewResolver(platforms map[string]PlatformTuning) *Resolver {
	if platforms == nil {
		platforms = make(map[string]PlatformTuning)
	}
	return &Resolver{platforms: platforms}
}

// Resolve returns the effective, normalized strategy for the pair.
func (r *Resolver) Resolve(errType domain.ErrorType, platform string) Strategy {
	strat, ok := errorTypeDefaults[errType]
	if !ok {
		strat = DefaultStrategy
	}

	tuning, ok := r.platforms[platform]
	if ok {
		if override, ok := tuning.Overrides[errType]; ok {
			strat = override
		}
		if tuning.DelayScale > 0 {
			strat.DelayScale = tuning.DelayScale
		}
	}
	return strat.normalize()
}

// PreDelay returns the fixed extra delay applied before every attempt on the
// platform, 0 when untuned.
func (r *Resolver) PreDelay(platform string) time.Duration {
	return r.platforms[platform].PreDelay
}

// InMaintenance reports whether the platform is inside a maintenance window
// at the given instant, and when the active window ends.
func (r *Resolver) InMaintenance(platform string, now time.Time) (bool, time.Time) {
	tuning, ok := r.platforms[platform]
	if !ok {
		return false, time.Time{}
	}
	for _, w := range tuning.Windows {
		if end, in := w.contains(now.UTC()); in {
			return true, end
		}
	}
	return false, time.Time{}
}

func (w MaintenanceWindow) contains(now time.Time) (time.Time, bool) {
	start, err := parseClock(w.Start, now)
	if err != nil {
		return time.Time{}, false
	}
	end, err := parseClock(w.End, now)
	if err != nil {
		return time.Time{}, false
	}
	if !end.After(start) {
		// Window wraps midnight.
		if now.Before(end) {
			return end, true
		}
		end = end.AddDate(0, 0, 1)
	}
	if !now.Before(start) && now.Before(end) {
		return end, true
	}
	return time.Time{}, false
}

func parseClock(hhmm string, day time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC), nil
}
