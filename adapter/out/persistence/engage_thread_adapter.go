package persistence

import (
	"context"
	"fmt"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

// ThreadAdapter implements out.ThreadRepository using PostgreSQL.
type ThreadAdapter struct {
	db *sqlx.DB
}

func NewThreadAdapter(db *sqlx.DB) *ThreadAdapter {
	return &ThreadAdapter{db: db}
}

type threadRow struct {
	TenantID         string    `db:"tenant_id"`
	ID               string    `db:"id"`
	LeadID           string    `db:"lead_id"`
	Status           string    `db:"status"`
	LastOutboundText string    `db:"last_outbound_text"`
	Metadata         []byte    `db:"metadata"`
	UpdatedAt        time.Time `db:"updated_at"`
}

const threadColumns = `tenant_id, id, lead_id, status, last_outbound_text, metadata, updated_at`

func (r *threadRow) toEntity() (*domain.Thread, error) {
	th := &domain.Thread{
		ID:               r.ID,
		TenantID:         r.TenantID,
		LeadID:           r.LeadID,
		Status:           domain.ThreadStatus(r.Status),
		LastOutboundText: r.LastOutboundText,
		UpdatedAt:        r.UpdatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &th.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode thread metadata: %w", err)
		}
	}
	return th, nil
}

func (a *ThreadAdapter) Get(ctx context.Context, tenantID, threadID string) (*domain.Thread, error) {
	var row threadRow
	query := `SELECT ` + threadColumns + ` FROM lead_threads WHERE tenant_id = $1 AND id = $2`

	if err := a.db.GetContext(ctx, &row, query, tenantID, threadID); err != nil {
		return nil, notFound(err, "thread "+threadID)
	}
	return row.toEntity()
}

func (a *ThreadAdapter) ListOpenByLead(ctx context.Context, tenantID, leadID string) ([]*domain.Thread, error) {
	var rows []threadRow
	query := `SELECT ` + threadColumns + ` FROM lead_threads
		WHERE tenant_id = $1 AND lead_id = $2 AND status = $3
		ORDER BY updated_at DESC`

	if err := a.db.SelectContext(ctx, &rows, query, tenantID, leadID, string(domain.ThreadOpen)); err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	threads := make([]*domain.Thread, 0, len(rows))
	for i := range rows {
		th, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, nil
}

// MergeUpdate shallow-merges patch into the jsonb metadata and sets status in one statement.
func (a *ThreadAdapter) MergeUpdate(ctx context.Context, tenantID, threadID string, status domain.ThreadStatus, patch map[string]any) error {
	if patch == nil {
		patch = map[string]any{}
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode thread patch: %w", err)
	}

	query := `
		UPDATE lead_threads SET
			metadata = metadata || $3::jsonb,
			status = $4,
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`

	res, err := a.db.ExecContext(ctx, query, tenantID, threadID, string(data), string(status))
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", threadID, out.ErrNotFound)
	}
	return nil
}

// Upsert stores a thread. Used by seeding and the messaging side that owns threads.
func (a *ThreadAdapter) Upsert(ctx context.Context, th *domain.Thread) error {
	meta := th.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode thread metadata: %w", err)
	}
	status := th.Status
	if status == "" {
		status = domain.ThreadOpen
	}

	query := `
		INSERT INTO lead_threads (tenant_id, id, lead_id, status, last_outbound_text, metadata)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			lead_id = EXCLUDED.lead_id,
			status = EXCLUDED.status,
			last_outbound_text = EXCLUDED.last_outbound_text,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()`

	if _, err := a.db.ExecContext(ctx, query, th.TenantID, th.ID, th.LeadID, string(status), th.LastOutboundText, string(data)); err != nil {
		return fmt.Errorf("failed to upsert thread: %w", err)
	}
	return nil
}

var _ out.ThreadRepository = (*ThreadAdapter)(nil)
