package persistence

import (
	"context"
	"fmt"

	"engage_server/core/domain"
	"engage_server/core/port/out"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SignalAdapter implements the append-only signal log on a pgx pool.
type SignalAdapter struct {
	db *pgxpool.Pool
}

func NewSignalAdapter(db *pgxpool.Pool) *SignalAdapter {
	return &SignalAdapter{db: db}
}

// Append writes all signals in one batch. Re-appending an existing id is a no-op.
func (a *SignalAdapter) Append(ctx context.Context, signals ...*domain.Signal) error {
	if len(signals) == 0 {
		return nil
	}

	query := `
		INSERT INTO lead_signals (tenant_id, id, lead_id, type, confidence, value, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, s := range signals {
		if err := s.Validate(); err != nil {
			return err
		}
		batch.Queue(query, s.TenantID, s.ID, s.LeadID, string(s.Type), s.Confidence, s.Value, s.Timestamp)
	}

	br := a.db.SendBatch(ctx, batch)
	defer br.Close()
	for range signals {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to append signal: %w", err)
		}
	}
	return nil
}

// ListByLead returns the lead's history oldest first.
func (a *SignalAdapter) ListByLead(ctx context.Context, tenantID, leadID string) ([]*domain.Signal, error) {
	query := `
		SELECT tenant_id, id, lead_id, type, confidence, value, ts
		FROM lead_signals
		WHERE tenant_id = $1 AND lead_id = $2
		ORDER BY ts ASC, id ASC`

	rows, err := a.db.Query(ctx, query, tenantID, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	var signals []*domain.Signal
	for rows.Next() {
		var s domain.Signal
		var typ string
		if err := rows.Scan(&s.TenantID, &s.ID, &s.LeadID, &typ, &s.Confidence, &s.Value, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}
		t, err := domain.ParseSignalType(typ)
		if err != nil {
			// Retired types no longer feed scoring.
			continue
		}
		s.Type = t
		signals = append(signals, &s)
	}
	return signals, rows.Err()
}

// Ping checks pool connectivity.
func (a *SignalAdapter) Ping(ctx context.Context) error {
	return a.db.Ping(ctx)
}

var _ out.SignalRepository = (*SignalAdapter)(nil)
