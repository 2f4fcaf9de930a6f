package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/loginflow/internal/bus"
	"github.com/vietddude/loginflow/internal/core/domain"
	"github.com/vietddude/loginflow/internal/metrics"
)

// PatternSeverity grades a detected failure pattern for operators.
type PatternSeverity string

const (
	SeverityCritical PatternSeverity = "critical"
	SeverityHigh     PatternSeverity = "high"
	SeverityMedium   PatternSeverity = "medium"
	SeverityLow      PatternSeverity = "low"
)

// PatternConfig tunes the rolling-window failure pattern detector.
type PatternConfig struct {
	Window         time.Duration `yaml:"window"`
	MinOccurrences int           `yaml:"min_occurrences"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// DefaultPatternConfig returns the stock detection tuning.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		Window:         time.Hour,
		MinOccurrences: 3,
		SweepInterval:  10 * time.Minute,
	}
}

func (c PatternConfig) normalize() PatternConfig {
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.MinOccurrences <= 0 {
		c.MinOccurrences = 3
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	return c
}

type failurePattern struct {
	platform    string
	errorType   domain.ErrorType
	occurrences []time.Time
	firstSeen   time.Time
	lastSeen    time.Time
}

// PatternAnalyzer aggregates failures over a rolling window keyed by
// (platform, error type) and raises pattern-detected events past a threshold.
// Advisory signal for operators only, never a control input to retry logic.
type PatternAnalyzer struct {
	mu       sync.Mutex
	patterns map[string]*failurePattern
	cfg      PatternConfig
	bus      *bus.Bus
	log      *slog.Logger
	now      func() time.Time
}

// NewPatternAnalyzer creates an analyzer. The bus may be nil in tests.
func NewPatternAnalyzer(cfg PatternConfig, b *bus.Bus, log *slog.Logger) *PatternAnalyzer {
	if log == nil {
		log = slog.Default()
	}
	return &PatternAnalyzer{
		patterns: make(map[string]*failurePattern),
		cfg:      cfg.normalize(),
		bus:      b,
		log:      log,
		now:      time.Now,
	}
}

func patternKey(platform string, errType domain.ErrorType) string {
	return platform + "/" + string(errType)
}

// Record appends an occurrence, prunes timestamps outside the window, and
// reports whether the pruned count reached the detection threshold. Every
// occurrence at or past the threshold fires a fresh pattern-detected event
// so operators see severity escalate as the burst grows.
func (a *PatternAnalyzer) Record(platform string, errType domain.ErrorType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := patternKey(platform, errType)
	now := a.now()

	p, ok := a.patterns[key]
	if !ok {
		p = &failurePattern{platform: platform, errorType: errType, firstSeen: now}
		a.patterns[key] = p
	}

	cutoff := now.Add(-a.cfg.Window)
	kept := p.occurrences[:0]
	for _, t := range p.occurrences {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.occurrences = append(kept, now)
	p.lastSeen = now

	if len(p.occurrences) < a.cfg.MinOccurrences {
		return false
	}

	severity := a.severityFor(p, now)
	recommendation := RecommendationFor(errType)
	a.log.Warn("failure pattern detected",
		"platform", platform, "error_type", errType,
		"occurrences", len(p.occurrences), "severity", severity)
	metrics.PatternsDetected.WithLabelValues(platform, string(errType), string(severity)).Inc()

	if a.bus != nil {
		a.bus.Publish(domain.Event{
			Type:     domain.EventPatternDetected,
			Platform: platform,
			Fields: map[string]any{
				"error_type":     string(errType),
				"occurrences":    len(p.occurrences),
				"severity":       string(severity),
				"recommendation": recommendation,
				"first_seen":     p.firstSeen,
			},
		})
	}
	return true
}

// severityFor grades by occurrences inside the last hour. Callers hold a.mu.
func (a *PatternAnalyzer) severityFor(p *failurePattern, now time.Time) PatternSeverity {
	cutoff := now.Add(-time.Hour)
	recent := 0
	for _, t := range p.occurrences {
		if t.After(cutoff) {
			recent++
		}
	}
	switch {
	case recent >= 10:
		return SeverityCritical
	case recent >= 7:
		return SeverityHigh
	case recent >= 4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Count returns the in-window occurrence count for the key, 0 when untracked.
func (a *PatternAnalyzer) Count(platform string, errType domain.ErrorType) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.patterns[patternKey(platform, errType)]
	if !ok {
		return 0
	}
	cutoff := a.now().Add(-a.cfg.Window)
	n := 0
	for _, t := range p.occurrences {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Sweep prunes patterns whose every occurrence fell out of the window.
// Runs until ctx is cancelled.
func (a *PatternAnalyzer) Sweep(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepOnce()
		}
	}
}

func (a *PatternAnalyzer) sweepOnce() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.cfg.Window)
	for key, p := range a.patterns {
		if p.lastSeen.Before(cutoff) {
			delete(a.patterns, key)
		}
	}
}

// RecommendationFor returns the canned operator guidance for an error type.
func RecommendationFor(errType domain.ErrorType) string {
	switch errType {
	case domain.ErrorTypeRateLimited:
		return "reduce attempt frequency for this platform or rotate source addresses"
	case domain.ErrorTypeCaptcha:
		return "platform is challenging automated traffic; review fingerprint and pacing settings"
	case domain.ErrorTypeNetwork:
		return "check egress connectivity and upstream proxy health"
	case domain.ErrorTypeTimeout:
		return "platform is slow to respond; consider raising the attempt timeout"
	case domain.ErrorTypeWorkerCrashed:
		return "workers are crashing repeatedly; inspect worker logs and resource limits"
	case domain.ErrorTypeInvalidCredentials:
		return "stored credentials are likely stale; trigger a credential refresh"
	case domain.ErrorTypeAccountLocked, domain.ErrorTypeAccountDisabled:
		return "account-level block; manual operator intervention required"
	case domain.ErrorTypeTwoFactorRequired, domain.ErrorTypeTwoFactorExpired:
		return "second-factor challenges recurring; verify delivery channel availability"
	default:
		return "recurring unclassified failures; inspect recent attempt errors"
	}
}
