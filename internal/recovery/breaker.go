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

// BreakerState is the three-state gate of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the per-(platform, account) circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// DefaultBreakerConfig returns the stock breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      time.Minute,
		HalfOpenProbes:   2,
		SweepInterval:    30 * time.Second,
	}
}

func (c BreakerConfig) normalize() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = time.Minute
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 2
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

type breaker struct {
	platform    string
	account     string
	state       BreakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	probes      int
}

// BreakerSnapshot is a read-only view of one breaker.
type BreakerSnapshot struct {
	Platform    string       `json:"platform"`
	Account     string       `json:"account"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure,omitempty"`
}

// BreakerRegistry tracks circuit breakers keyed by (platform, account).
// Breakers are created lazily on first failure and never explicitly deleted;
// a background sweep resets long-stuck open breakers as a safety valve.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      BreakerConfig
	bus      *bus.Bus
	log      *slog.Logger
	now      func() time.Time
}

// NewBreakerRegistry creates a registry. The bus may be nil in tests.
func NewBreakerRegistry(cfg BreakerConfig, b *bus.Bus, log *slog.Logger) *BreakerRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		cfg:      cfg.normalize(),
		bus:      b,
		log:      log,
		now:      time.Now,
	}
}

func breakerKey(platform, account string) string {
	return platform + "/" + account
}

// Allow reports whether a new attempt is admitted for the key. It returns a
// *domain.CircuitOpenError while the breaker denies admission. Calling Allow
// on an expired open breaker transitions it to half-open and admits a probe.
func (r *BreakerRegistry) Allow(platform, account string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	br, ok := r.breakers[breakerKey(platform, account)]
	if !ok {
		return nil
	}

	switch br.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		elapsed := r.now().Sub(br.openedAt)
		if elapsed < r.cfg.OpenTimeout {
			return &domain.CircuitOpenError{
				Platform:   platform,
				Account:    account,
				RetryAfter: r.cfg.OpenTimeout - elapsed,
			}
		}
		r.transition(br, BreakerHalfOpen)
		br.probes = 1
		return nil

	case BreakerHalfOpen:
		if br.probes < r.cfg.HalfOpenProbes {
			br.probes++
			return nil
		}
		// Probe budget exhausted without a recorded success.
		r.transition(br, BreakerOpen)
		br.openedAt = r.now()
		return &domain.CircuitOpenError{
			Platform:   platform,
			Account:    account,
			RetryAfter: r.cfg.OpenTimeout,
		}
	}
	return nil
}

// Denied reports whether the key is currently denied, as a read: unlike
// Allow it never consumes a half-open probe slot or moves the breaker.
// Decision paths use it; only real attempt admissions go through Allow.
func (r *BreakerRegistry) Denied(platform, account string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	br, ok := r.breakers[breakerKey(platform, account)]
	if !ok {
		return nil
	}

	switch br.state {
	case BreakerOpen:
		elapsed := r.now().Sub(br.openedAt)
		if elapsed < r.cfg.OpenTimeout {
			return &domain.CircuitOpenError{
				Platform:   platform,
				Account:    account,
				RetryAfter: r.cfg.OpenTimeout - elapsed,
			}
		}
		// Timed out; the next Allow admits a half-open probe.
		return nil

	case BreakerHalfOpen:
		if br.probes >= r.cfg.HalfOpenProbes {
			return &domain.CircuitOpenError{
				Platform:   platform,
				Account:    account,
				RetryAfter: r.cfg.OpenTimeout,
			}
		}
	}
	return nil
}

// RecordFailure counts a consecutive failure for the key, creating the
// breaker lazily. Reaching the threshold opens the breaker; any failure in
// half-open reverts to open.
func (r *BreakerRegistry) RecordFailure(platform, account string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := breakerKey(platform, account)
	br, ok := r.breakers[key]
	if !ok {
		br = &breaker{platform: platform, account: account, state: BreakerClosed}
		r.breakers[key] = br
	}

	br.failures++
	br.lastFailure = r.now()

	switch br.state {
	case BreakerHalfOpen:
		r.transition(br, BreakerOpen)
		br.openedAt = r.now()
	case BreakerClosed:
		if br.failures >= r.cfg.FailureThreshold {
			r.transition(br, BreakerOpen)
			br.openedAt = r.now()
			r.publishOpened(br)
		}
	}
}

// RecordSuccess resets the key's failure count and closes the breaker.
func (r *BreakerRegistry) RecordSuccess(platform, account string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	br, ok := r.breakers[breakerKey(platform, account)]
	if !ok {
		return
	}
	br.failures = 0
	br.probes = 0
	r.transition(br, BreakerClosed)
}

// State returns the current state for the key, BreakerClosed when untracked.
func (r *BreakerRegistry) State(platform, account string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if br, ok := r.breakers[breakerKey(platform, account)]; ok {
		return br.state
	}
	return BreakerClosed
}

// Snapshot returns a view of every tracked breaker.
func (r *BreakerRegistry) Snapshot() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, br := range r.breakers {
		out = append(out, BreakerSnapshot{
			Platform:    br.platform,
			Account:     br.account,
			State:       br.state,
			Failures:    br.failures,
			LastFailure: br.lastFailure,
		})
	}
	return out
}

// Sweep runs the auto-reset loop until ctx is cancelled. An open breaker
// stuck past 2x the open timeout with no intervening success is reset to
// closed to avoid permanent lockout from a stale failure burst. Best-effort:
// the timeout-driven half-open path remains the primary recovery mechanism.
func (r *BreakerRegistry) Sweep(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *BreakerRegistry) sweepOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	staleAfter := 2 * r.cfg.OpenTimeout
	now := r.now()
	for _, br := range r.breakers {
		if br.state == BreakerOpen && now.Sub(br.openedAt) >= staleAfter {
			r.log.Info("auto-resetting stale open breaker",
				"platform", br.platform, "account", br.account, "open_for", now.Sub(br.openedAt))
			br.failures = 0
			br.probes = 0
			r.transition(br, BreakerClosed)
		}
	}
}

// transition mutates state and updates the gauge. Callers hold r.mu.
func (r *BreakerRegistry) transition(br *breaker, to BreakerState) {
	br.state = to
	var v float64
	switch to {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(br.platform, br.account).Set(v)
}

func (r *BreakerRegistry) publishOpened(br *breaker) {
	r.log.Warn("circuit breaker opened", "platform", br.platform, "account", br.account, "failures", br.failures)
	if r.bus == nil {
		return
	}
	r.bus.Publish(domain.Event{
		Type:     domain.EventCircuitBreakerOpened,
		Platform: br.platform,
		Account:  br.account,
		Fields:   map[string]any{"failures": br.failures},
	})
}
