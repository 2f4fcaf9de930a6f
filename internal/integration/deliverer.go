package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vietddude/loginflow/internal/bus"
	"github.com/vietddude/loginflow/internal/core/domain"
)

// BusDeliverer performs two-factor code delivery and verification through the
// automation workers: the worker drives the platform's own 2FA page, so both
// operations become bus round-trips. Each request carries a fresh correlation
// id so concurrent operations on one session never steal each other's
// responses.
type BusDeliverer struct {
	bus *bus.Bus
	log *slog.Logger
}

// NewBusDeliverer creates a bus-backed delivery adapter.
func NewBusDeliverer(b *bus.Bus, log *slog.Logger) *BusDeliverer {
	if log == nil {
		log = slog.Default()
	}
	return &BusDeliverer{bus: b, log: log}
}

// RequestCode implements twofactor.Deliverer.
func (d *BusDeliverer) RequestCode(ctx context.Context, s domain.TwoFactorSession, method domain.TwoFactorMethod) (string, error) {
	fields, err := d.roundTrip(ctx, s, map[string]any{
		"action": "request_code",
		"method": string(method),
	})
	if err != nil {
		return "", err
	}
	if id, ok := fields["request_id"].(string); ok && id != "" {
		return id, nil
	}
	return uuid.New().String(), nil
}

// VerifyCode implements twofactor.Deliverer.
func (d *BusDeliverer) VerifyCode(ctx context.Context, s domain.TwoFactorSession, method domain.TwoFactorMethod, code string) (bool, error) {
	fields, err := d.roundTrip(ctx, s, map[string]any{
		"action": "verify_code",
		"method": string(method),
		"code":   code,
	})
	if err != nil {
		return false, err
	}
	ok, _ := fields["ok"].(bool)
	return ok, nil
}

func (d *BusDeliverer) roundTrip(ctx context.Context, s domain.TwoFactorSession, fields map[string]any) (map[string]any, error) {
	correlation := uuid.New().String()
	fields["correlation_id"] = correlation

	events, cancel := d.bus.Subscribe(domain.EventDeliveryCompleted)
	defer cancel()

	d.bus.Publish(domain.Event{
		Type:      domain.EventDeliveryRequested,
		SessionID: s.ID,
		RunID:     s.RunID,
		Platform:  s.Platform,
		Account:   s.Account,
		Fields:    fields,
	})

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("delivery not completed: %w", ctx.Err())
		case evt, ok := <-events:
			if !ok {
				return nil, errors.New("event bus closed")
			}
			if evt.Field("correlation_id") != correlation {
				continue
			}
			if msg := evt.Field("error"); msg != "" {
				return evt.Fields, errors.New(msg)
			}
			return evt.Fields, nil
		}
	}
}
