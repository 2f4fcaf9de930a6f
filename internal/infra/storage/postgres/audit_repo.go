package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/loginflow/internal/bus"
	"github.com/vietddude/loginflow/internal/core/domain"
	"github.com/vietddude/loginflow/internal/metrics"
)

// AuditRepo stores orchestrator events in PostgreSQL.
type AuditRepo struct {
	db  *DB
	log *slog.Logger
}

// NewAuditRepo creates a PostgreSQL audit repository.
func NewAuditRepo(db *DB, log *slog.Logger) *AuditRepo {
	if log == nil {
		log = slog.Default()
	}
	return &AuditRepo{db: db, log: log}
}

// InsertEvent appends one event to the audit trail.
func (r *AuditRepo) InsertEvent(ctx context.Context, evt domain.Event) error {
	fields, err := json.Marshal(evt.Fields)
	if err != nil {
		return fmt.Errorf("marshal event fields: %w", err)
	}

	query := `
		INSERT INTO audit_events (event_type, session_id, run_id, platform, account, fields, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		string(evt.Type),
		nullable(evt.SessionID),
		nullable(evt.RunID),
		nullable(evt.Platform),
		nullable(evt.Account),
		fields,
		evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// EventsForRun returns the audit trail for a run, oldest first.
func (r *AuditRepo) EventsForRun(ctx context.Context, runID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_type, session_id, run_id, platform, account, fields, occurred_at
		FROM audit_events
		WHERE run_id = $1
		ORDER BY occurred_at ASC
		LIMIT $2
	`

	var rows []struct {
		EventType  string          `db:"event_type"`
		SessionID  *string         `db:"session_id"`
		RunID      *string         `db:"run_id"`
		Platform   *string         `db:"platform"`
		Account    *string         `db:"account"`
		Fields     json.RawMessage `db:"fields"`
		OccurredAt time.Time       `db:"occurred_at"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, runID, limit); err != nil {
		return nil, fmt.Errorf("select audit events: %w", err)
	}

	out := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		evt := domain.Event{
			Type:      domain.EventType(row.EventType),
			Timestamp: row.OccurredAt,
		}
		if row.SessionID != nil {
			evt.SessionID = *row.SessionID
		}
		if row.RunID != nil {
			evt.RunID = *row.RunID
		}
		if row.Platform != nil {
			evt.Platform = *row.Platform
		}
		if row.Account != nil {
			evt.Account = *row.Account
		}
		if len(row.Fields) > 0 {
			_ = json.Unmarshal(row.Fields, &evt.Fields)
		}
		out = append(out, evt)
	}
	return out, nil
}

// Sink copies every bus event into the audit trail until ctx is cancelled.
// Insert failures are counted and dropped; auditing never blocks recovery.
func (r *AuditRepo) Sink(ctx context.Context, b *bus.Bus) {
	events, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := r.InsertEvent(ctx, evt); err != nil {
				metrics.AuditInsertErrors.Inc()
				r.log.Warn("audit insert failed", "type", evt.Type, "error", err)
			}
		}
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
