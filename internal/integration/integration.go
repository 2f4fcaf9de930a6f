// Package integration wires the subsystems together over the event bus:
// worker lifecycle events drive process registration, crashes and expired
// second-factor flows open retry sessions, and retry attempts are dispatched
// to automation workers as bus events.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/loginflow/internal/bus"
	"github.com/vietddude/loginflow/internal/core/domain"
	"github.com/vietddude/loginflow/internal/procmon"
	"github.com/vietddude/loginflow/internal/recovery"
	"github.com/vietddude/loginflow/internal/twofactor"
)

// BusDriver executes retry attempts by dispatching them over the bus and
// waiting for the worker's completion event. The attempt deadline comes from
// ctx; the retry manager bounds every attempt with its configured timeout.
type BusDriver struct {
	bus *bus.Bus
	log *slog.Logger
}

// NewBusDriver creates a bus-backed attempt driver.
func NewBusDriver(b *bus.Bus, log *slog.Logger) *BusDriver {
	if log == nil {
		log = slog.Default()
	}
	return &BusDriver{bus: b, log: log}
}

// ExecuteAttempt implements recovery.Driver.
func (d *BusDriver) ExecuteAttempt(ctx context.Context, s domain.RetrySession) error {
	// Subscribe before dispatching so a fast worker cannot complete the
	// attempt before we are listening.
	events, cancel := d.bus.Subscribe(domain.EventAttemptCompleted)
	defer cancel()

	d.bus.Publish(domain.Event{
		Type:      domain.EventAttemptDispatched,
		SessionID: s.ID,
		RunID:     s.RunID,
		Platform:  s.Platform,
		Account:   s.Account,
		Fields: map[string]any{
			"attempt":    s.Attempt + 1,
			"error_type": string(s.ErrorType),
		},
	})

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("attempt not completed: %w", ctx.Err())
		case evt, ok := <-events:
			if !ok {
				return errors.New("event bus closed")
			}
			if evt.SessionID != s.ID {
				continue
			}
			if success, _ := evt.Fields["success"].(bool); success {
				return nil
			}
			if msg := evt.Field("error"); msg != "" {
				return errors.New(msg)
			}
			return errors.New("attempt reported failure")
		}
	}
}

// Integrator consumes cross-subsystem events and reacts:
//
//   - worker_started / worker_stopped keep the process monitor's registry
//     in sync with the worker fleet
//   - process_crashed opens a retry session with error type worker_crashed
//   - second_factor_required opens a two-factor session
//   - an expired two-factor session opens a retry session with error type
//     2fa_expired so the run gets another shot at the challenge
type Integrator struct {
	bus       *bus.Bus
	retry     *recovery.Manager
	twofactor *twofactor.Manager
	monitor   *procmon.Monitor
	log       *slog.Logger
}

// NewIntegrator creates the cross-subsystem event consumer.
func NewIntegrator(b *bus.Bus, retry *recovery.Manager, tf *twofactor.Manager, mon *procmon.Monitor, log *slog.Logger) *Integrator {
	if log == nil {
		log = slog.Default()
	}
	return &Integrator{
		bus:       b,
		retry:     retry,
		twofactor: tf,
		monitor:   mon,
		log:       log,
	}
}

// Run consumes bus events until ctx is cancelled.
func (i *Integrator) Run(ctx context.Context) {
	events, cancel := i.bus.Subscribe(
		domain.EventWorkerStarted,
		domain.EventWorkerStopped,
		domain.EventProcessCrashed,
		domain.EventSessionFailed,
		domain.EventTwoFactorRequired,
	)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			i.handle(ctx, evt)
		}
	}
}

func (i *Integrator) handle(ctx context.Context, evt domain.Event) {
	switch evt.Type {
	case domain.EventWorkerStarted:
		i.onWorkerStarted(evt)
	case domain.EventWorkerStopped:
		i.onWorkerStopped(evt)
	case domain.EventProcessCrashed:
		i.onProcessCrashed(ctx, evt)
	case domain.EventSessionFailed:
		// Only two-factor failures feed back into the retry engine; retry
		// session failures are already terminal.
		if evt.Field("kind") == "two_factor" {
			i.onTwoFactorFailed(ctx, evt)
		}
	case domain.EventTwoFactorRequired:
		i.onTwoFactorRequired(ctx, evt)
	}
}

func (i *Integrator) onWorkerStarted(evt domain.Event) {
	workerID := evt.Field("worker_id")
	if workerID == "" || i.monitor == nil {
		return
	}
	meta := map[string]string{
		"run_id":   evt.RunID,
		"platform": evt.Platform,
		"account":  evt.Account,
	}
	err := i.monitor.RegisterProcess(workerID, procmon.RegisterSpec{
		PID:        eventPID(evt),
		ControlURL: evt.Field("control_url"),
		Metadata:   meta,
	})
	if err != nil {
		i.log.Warn("worker registration failed", "worker", workerID, "error", err)
	}
}

func (i *Integrator) onWorkerStopped(evt domain.Event) {
	workerID := evt.Field("worker_id")
	if workerID == "" || i.monitor == nil {
		return
	}
	if err := i.monitor.UnregisterProcess(workerID); err != nil {
		i.log.Debug("worker unregistration skipped", "worker", workerID, "error", err)
	}
}

func (i *Integrator) onProcessCrashed(ctx context.Context, evt domain.Event) {
	if i.retry == nil || evt.RunID == "" {
		return
	}
	i.openRetry(ctx, evt, domain.ErrorTypeWorkerCrashed,
		fmt.Sprintf("worker %s crashed", evt.Field("worker_id")),
		map[string]string{"worker_id": evt.Field("worker_id")})
}

func (i *Integrator) onTwoFactorFailed(ctx context.Context, evt domain.Event) {
	if i.retry == nil || evt.RunID == "" {
		return
	}
	i.openRetry(ctx, evt, domain.ErrorTypeTwoFactorExpired,
		fmt.Sprintf("two-factor session %s expired: %s", evt.SessionID, evt.Field("reason")),
		map[string]string{"two_factor_session": evt.SessionID})
}

func (i *Integrator) openRetry(ctx context.Context, evt domain.Event, errType domain.ErrorType, detail string, meta map[string]string) {
	s, err := i.retry.InitializeSession(ctx, recovery.InitRequest{
		RunID:       evt.RunID,
		Platform:    evt.Platform,
		Account:     evt.Account,
		ErrorType:   errType,
		ErrorDetail: detail,
		Metadata:    meta,
	})
	if err != nil {
		var open *domain.CircuitOpenError
		if errors.As(err, &open) {
			i.log.Warn("recovery suppressed by open circuit",
				"run", evt.RunID, "platform", evt.Platform, "error_type", errType)
			return
		}
		i.log.Error("retry session creation failed", "run", evt.RunID, "error", err)
		return
	}
	i.log.Info("recovery initiated",
		"session", s.ID, "run", evt.RunID, "error_type", errType)
}

func (i *Integrator) onTwoFactorRequired(ctx context.Context, evt domain.Event) {
	if i.twofactor == nil {
		return
	}
	s, err := i.twofactor.InitializeSession(ctx, twofactor.InitRequest{
		RunID:          evt.RunID,
		Platform:       evt.Platform,
		Account:        evt.Account,
		DetectedMethod: domain.TwoFactorMethod(evt.Field("method")),
	})
	if err != nil {
		i.log.Error("two-factor session creation failed", "run", evt.RunID, "error", err)
		return
	}
	i.log.Info("two-factor challenge opened",
		"session", s.ID, "run", evt.RunID, "method", s.SelectedMethod)
}

// eventPID extracts a PID field that may arrive as a native int or as a
// float64 from JSON decoding.
func eventPID(evt domain.Event) int32 {
	switch v := evt.Fields["pid"].(type) {
	case int:
		return int32(v)
	case int32:
		return v
	case int64:
		return int32(v)
	case float64:
		return int32(v)
	default:
		return 0
	}
}
