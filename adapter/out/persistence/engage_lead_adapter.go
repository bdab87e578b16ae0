package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// LeadAdapter implements out.LeadRepository using PostgreSQL.
type LeadAdapter struct {
	db *sqlx.DB
}

func NewLeadAdapter(db *sqlx.DB) *LeadAdapter {
	return &LeadAdapter{db: db}
}

// leadRow represents the database row for leads.
type leadRow struct {
	TenantID    string         `db:"tenant_id"`
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Company     string         `db:"company"`
	Phone       string         `db:"phone"`
	Email       string         `db:"email"`
	CampaignID  string         `db:"campaign_id"`
	Labels      pq.StringArray `db:"labels"`
	Score       int            `db:"score"`
	Suppressed  bool           `db:"suppressed"`
	TouchCount  int            `db:"touch_count"`
	LastTouchAt sql.NullTime   `db:"last_touch_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

const leadColumns = `tenant_id, id, name, company, phone, email, campaign_id, labels, score, suppressed,
	touch_count, last_touch_at, created_at, updated_at`

func (r *leadRow) toEntity() *domain.Lead {
	lead := &domain.Lead{
		ID:         r.ID,
		TenantID:   r.TenantID,
		Name:       r.Name,
		Company:    r.Company,
		Phone:      r.Phone,
		Email:      r.Email,
		CampaignID: r.CampaignID,
		Labels:     domain.LabelsFromStrings(r.Labels),
		Score:      r.Score,
		Suppressed: r.Suppressed,
		TouchCount: r.TouchCount,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.LastTouchAt.Valid {
		t := r.LastTouchAt.Time
		lead.LastTouchAt = &t
	}
	return lead
}

func labelStrings(labels []domain.CanonicalLabel) pq.StringArray {
	out := make(pq.StringArray, len(labels))
	for i, l := range labels {
		out[i] = string(l)
	}
	return out
}

func (a *LeadAdapter) Get(ctx context.Context, tenantID, leadID string) (*domain.Lead, error) {
	var row leadRow
	query := `SELECT ` + leadColumns + ` FROM leads WHERE tenant_id = $1 AND id = $2`

	if err := a.db.GetContext(ctx, &row, query, tenantID, leadID); err != nil {
		return nil, notFound(err, "lead "+leadID)
	}
	return row.toEntity(), nil
}

// GetMany returns the leads that exist; missing ids are simply absent from the map.
func (a *LeadAdapter) GetMany(ctx context.Context, tenantID string, leadIDs []string) (map[string]*domain.Lead, error) {
	result := make(map[string]*domain.Lead, len(leadIDs))
	if len(leadIDs) == 0 {
		return result, nil
	}

	var rows []leadRow
	query := `SELECT ` + leadColumns + ` FROM leads WHERE tenant_id = $1 AND id = ANY($2)`
	if err := a.db.SelectContext(ctx, &rows, query, tenantID, pq.Array(leadIDs)); err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	for i := range rows {
		result[rows[i].ID] = rows[i].toEntity()
	}
	return result, nil
}

func (a *LeadAdapter) Upsert(ctx context.Context, lead *domain.Lead) error {
	query := `
		INSERT INTO leads (tenant_id, id, name, company, phone, email, campaign_id, labels, score,
			suppressed, touch_count, last_touch_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			company = EXCLUDED.company,
			phone = EXCLUDED.phone,
			email = EXCLUDED.email,
			campaign_id = EXCLUDED.campaign_id,
			labels = EXCLUDED.labels,
			score = EXCLUDED.score,
			suppressed = EXCLUDED.suppressed,
			touch_count = EXCLUDED.touch_count,
			last_touch_at = EXCLUDED.last_touch_at,
			updated_at = NOW()`

	var lastTouch sql.NullTime
	if lead.LastTouchAt != nil {
		lastTouch = sql.NullTime{Time: *lead.LastTouchAt, Valid: true}
	}
	_, err := a.db.ExecContext(ctx, query,
		lead.TenantID, lead.ID, lead.Name, lead.Company, lead.Phone, lead.Email, lead.CampaignID,
		labelStrings(lead.Labels), domain.ClampScore(lead.Score), lead.Suppressed, lead.TouchCount, lastTouch,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert lead: %w", err)
	}
	return nil
}

// ApplyLabels unions labels keeping first-seen order, moves the score by delta inside
// [0,100] and latches suppression, in one UPDATE. A suppressed lead scores 0.
func (a *LeadAdapter) ApplyLabels(ctx context.Context, tenantID, leadID string, labels []domain.CanonicalLabel, delta int, suppress bool) (*domain.Lead, error) {
	query := `
		UPDATE leads SET
			labels = ARRAY(
				SELECT l FROM unnest(labels || $3::text[]) WITH ORDINALITY AS t(l, n)
				GROUP BY l ORDER BY MIN(n)
			),
			score = CASE WHEN suppressed OR $5 THEN 0 ELSE LEAST(GREATEST(score + $4, 0), 100) END,
			suppressed = suppressed OR $5,
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING ` + leadColumns

	var row leadRow
	if err := a.db.GetContext(ctx, &row, query, tenantID, leadID, labelStrings(labels), delta, suppress); err != nil {
		return nil, notFound(err, "lead "+leadID)
	}
	return row.toEntity(), nil
}

// Ping checks database connectivity.
func (a *LeadAdapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

var _ out.LeadRepository = (*LeadAdapter)(nil)
