package integration

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/loginflow/internal/bus"
	"github.com/vietddude/loginflow/internal/core/domain"
	"github.com/vietddude/loginflow/internal/procmon"
	"github.com/vietddude/loginflow/internal/recovery"
	"github.com/vietddude/loginflow/internal/twofactor"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type okSampler struct{}

func (okSampler) Exists(ctx context.Context, pid int32) bool { return true }

func (okSampler) Sample(ctx context.Context, pid int32) (procmon.Sample, error) {
	return procmon.Sample{}, nil
}

func (okSampler) Snapshot(ctx context.Context) (procmon.SystemSample, error) {
	return procmon.SystemSample{}, nil
}

type noopControl struct{}

func (noopControl) Probe(ctx context.Context, endpoint string) error { return nil }
func (noopControl) Metrics(ctx context.Context, endpoint string) (procmon.WorkerMetrics, error) {
	return procmon.WorkerMetrics{}, nil
}

type acceptAllDeliverer struct{}

func (acceptAllDeliverer) RequestCode(ctx context.Context, s domain.TwoFactorSession, m domain.TwoFactorMethod) (string, error) {
	return "req-1", nil
}

func (acceptAllDeliverer) VerifyCode(ctx context.Context, s domain.TwoFactorSession, m domain.TwoFactorMethod, code string) (bool, error) {
	return true, nil
}

type fixture struct {
	bus     *bus.Bus
	retry   *recovery.Manager
	tf      *twofactor.Manager
	monitor *procmon.Monitor
}

func newIntegratorFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New(nil)
	driver := recovery.DriverFunc(func(ctx context.Context, s domain.RetrySession) error {
		return nil
	})
	f := &fixture{
		bus:     b,
		retry:   recovery.NewManager(recovery.ManagerConfig{}, driver, b, nil),
		tf:      twofactor.NewManager(twofactor.ManagerConfig{}, acceptAllDeliverer{}, b, nil),
		monitor: procmon.NewMonitor(procmon.MonitorConfig{}, okSampler{}, okSampler{}, noopControl{}, b, nil),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go NewIntegrator(b, f.retry, f.tf, f.monitor, nil).Run(ctx)
	return f
}

func TestWorkerLifecycleEvents(t *testing.T) {
	f := newIntegratorFixture(t)

	f.bus.Publish(domain.Event{
		Type:     domain.EventWorkerStarted,
		RunID:    "run-1",
		Platform: "facebook",
		Fields:   map[string]any{"worker_id": "w1", "pid": 4242},
	})
	waitFor(t, "worker registration", func() bool {
		rec, err := f.monitor.GetProcess("w1")
		return err == nil && rec.PID == 4242
	})

	f.bus.Publish(domain.Event{
		Type:   domain.EventWorkerStopped,
		Fields: map[string]any{"worker_id": "w1"},
	})
	waitFor(t, "worker stop", func() bool {
		rec, err := f.monitor.GetProcess("w1")
		return err == nil && rec.Status == domain.ProcessStatusStopped
	})
}

func TestProcessCrashOpensRetrySession(t *testing.T) {
	f := newIntegratorFixture(t)

	f.bus.Publish(domain.Event{
		Type:     domain.EventProcessCrashed,
		RunID:    "run-1",
		Platform: "facebook",
		Account:  "alice",
		Fields:   map[string]any{"worker_id": "w1"},
	})

	waitFor(t, "retry session from crash", func() bool {
		return f.retry.Stats().Total == 1
	})
}

func TestCrashWithoutRunIsIgnored(t *testing.T) {
	f := newIntegratorFixture(t)

	f.bus.Publish(domain.Event{
		Type:   domain.EventProcessCrashed,
		Fields: map[string]any{"worker_id": "orphan"},
	})

	time.Sleep(50 * time.Millisecond)
	if got := f.retry.Stats().Total; got != 0 {
		t.Errorf("retry sessions = %d, want 0 for crash without run", got)
	}
}

func TestTwoFactorRequiredOpensSession(t *testing.T) {
	f := newIntegratorFixture(t)

	f.bus.Publish(domain.Event{
		Type:     domain.EventTwoFactorRequired,
		RunID:    "run-1",
		Platform: "google",
		Account:  "alice",
		Fields:   map[string]any{"method": "sms"},
	})

	waitFor(t, "two-factor session", func() bool {
		return f.tf.Stats().Total == 1
	})
}

func TestExpiredTwoFactorOpensRetrySession(t *testing.T) {
	f := newIntegratorFixture(t)

	f.bus.Publish(domain.Event{
		Type:      domain.EventSessionFailed,
		SessionID: "tf-1",
		RunID:     "run-1",
		Platform:  "google",
		Account:   "alice",
		Fields:    map[string]any{"reason": "timeout", "kind": "two_factor"},
	})

	waitFor(t, "retry session from expired 2fa", func() bool {
		return f.retry.Stats().Total == 1
	})
}

func TestRetrySessionFailedDoesNotLoop(t *testing.T) {
	f := newIntegratorFixture(t)

	// A retry session's own failure event must not open another session.
	f.bus.Publish(domain.Event{
		Type:      domain.EventSessionFailed,
		SessionID: "r-1",
		RunID:     "run-1",
		Platform:  "google",
		Account:   "alice",
		Fields:    map[string]any{"reason": "max_attempts"},
	})

	time.Sleep(50 * time.Millisecond)
	if got := f.retry.Stats().Total; got != 0 {
		t.Errorf("retry sessions = %d, want 0", got)
	}
}

func TestBusDriverRoundTrip(t *testing.T) {
	b := bus.New(nil)
	driver := NewBusDriver(b, nil)

	// Fake worker: completes every dispatched attempt.
	dispatched, cancel := b.Subscribe(domain.EventAttemptDispatched)
	defer cancel()
	go func() {
		for evt := range dispatched {
			b.Publish(domain.Event{
				Type:      domain.EventAttemptCompleted,
				SessionID: evt.SessionID,
				Fields:    map[string]any{"success": true},
			})
		}
	}()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ctxCancel()
	err := driver.ExecuteAttempt(ctx, domain.RetrySession{ID: "s1", RunID: "run-1"})
	if err != nil {
		t.Fatalf("ExecuteAttempt: %v", err)
	}
}

func TestBusDriverFailureAndTimeout(t *testing.T) {
	b := bus.New(nil)
	driver := NewBusDriver(b, nil)

	t.Run("failure propagates error", func(t *testing.T) {
		dispatched, cancel := b.Subscribe(domain.EventAttemptDispatched)
		defer cancel()
		go func() {
			evt := <-dispatched
			b.Publish(domain.Event{
				Type:      domain.EventAttemptCompleted,
				SessionID: evt.SessionID,
				Fields:    map[string]any{"success": false, "error": "login button missing"},
			})
		}()

		ctx, ctxCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ctxCancel()
		err := driver.ExecuteAttempt(ctx, domain.RetrySession{ID: "s2"})
		if err == nil || err.Error() != "login button missing" {
			t.Errorf("err = %v, want worker error message", err)
		}
	})

	t.Run("no response times out", func(t *testing.T) {
		ctx, ctxCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer ctxCancel()
		if err := driver.ExecuteAttempt(ctx, domain.RetrySession{ID: "s3"}); err == nil {
			t.Error("expected timeout error")
		}
	})

	t.Run("foreign session ids are ignored", func(t *testing.T) {
		dispatched, cancel := b.Subscribe(domain.EventAttemptDispatched)
		defer cancel()
		go func() {
			evt := <-dispatched
			b.Publish(domain.Event{
				Type:      domain.EventAttemptCompleted,
				SessionID: "someone-else",
				Fields:    map[string]any{"success": false, "error": "not yours"},
			})
			b.Publish(domain.Event{
				Type:      domain.EventAttemptCompleted,
				SessionID: evt.SessionID,
				Fields:    map[string]any{"success": true},
			})
		}()

		ctx, ctxCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ctxCancel()
		if err := driver.ExecuteAttempt(ctx, domain.RetrySession{ID: "s4"}); err != nil {
			t.Errorf("ExecuteAttempt: %v", err)
		}
	})
}

func TestBusDelivererRoundTrip(t *testing.T) {
	b := bus.New(nil)
	del := NewBusDeliverer(b, nil)

	// Fake worker answering delivery requests.
	requests, cancel := b.Subscribe(domain.EventDeliveryRequested)
	defer cancel()
	go func() {
		for evt := range requests {
			fields := map[string]any{
				"correlation_id": evt.Field("correlation_id"),
			}
			switch evt.Field("action") {
			case "request_code":
				fields["request_id"] = "req-42"
			case "verify_code":
				fields["ok"] = evt.Field("code") == "123456"
			}
			b.Publish(domain.Event{
				Type:      domain.EventDeliveryCompleted,
				SessionID: evt.SessionID,
				Fields:    fields,
			})
		}
	}()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ctxCancel()
	session := domain.TwoFactorSession{ID: "tf-1", RunID: "run-1", Platform: "google"}

	reqID, err := del.RequestCode(ctx, session, domain.MethodSMS)
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if reqID != "req-42" {
		t.Errorf("request id = %q, want req-42", reqID)
	}

	ok, err := del.VerifyCode(ctx, session, domain.MethodSMS, "123456")
	if err != nil || !ok {
		t.Errorf("VerifyCode(correct) = %v, %v, want true, nil", ok, err)
	}
	ok, err = del.VerifyCode(ctx, session, domain.MethodSMS, "000000")
	if err != nil || ok {
		t.Errorf("VerifyCode(wrong) = %v, %v, want false, nil", ok, err)
	}
}

func TestEventPID(t *testing.T) {
	tests := []struct {
		name string
		pid  any
		want int32
	}{
		{"int", 42, 42},
		{"int32", int32(42), 42},
		{"int64", int64(42), 42},
		{"json float", float64(42), 42},
		{"missing", nil, 0},
		{"wrong type", "42", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := domain.Event{Fields: map[string]any{"pid": tt.pid}}
			if got := eventPID(evt); got != tt.want {
				t.Errorf("eventPID = %d, want %d", got, tt.want)
			}
		})
	}
}
