package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relaycrm/flowengine/model"
)

type definitionRow struct {
	ID                string     `db:"id"`
	TenantID          string     `db:"tenant_id"`
	Name              string     `db:"name"`
	TriggerType       string     `db:"trigger_type"`
	TriggerFilter     []byte     `db:"trigger_filter"`
	Nodes             []byte     `db:"nodes"`
	Edges             []byte     `db:"edges"`
	PreventDuplicates bool       `db:"prevent_duplicates"`
	RunOncePerLead    bool       `db:"run_once_per_lead"`
	CooldownMinutes   int        `db:"cooldown_minutes"`
	IsActive          bool       `db:"is_active"`
	RunsCount         int        `db:"runs_count"`
	SuccessCount      int        `db:"success_count"`
	FailureCount      int        `db:"failure_count"`
	LastRunAt         *time.Time `db:"last_run_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	DeletedAt         *time.Time `db:"deleted_at"`
}

func (r *definitionRow) toModel() (*model.Definition, error) {
	def := &model.Definition{
		ID:                r.ID,
		TenantID:          r.TenantID,
		Name:              r.Name,
		TriggerType:       model.NormalizeTriggerType(r.TriggerType),
		PreventDuplicates: r.PreventDuplicates,
		RunOncePerLead:    r.RunOncePerLead,
		CooldownMinutes:   r.CooldownMinutes,
		IsActive:          r.IsActive,
		RunsCount:         r.RunsCount,
		SuccessCount:      r.SuccessCount,
		FailureCount:      r.FailureCount,
		LastRunAt:         r.LastRunAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		DeletedAt:         r.DeletedAt,
	}
	if err := unmarshalInto(r.TriggerFilter, &def.TriggerFilter); err != nil {
		return nil, fmt.Errorf("decode trigger filter: %w", err)
	}
	if err := unmarshalInto(r.Nodes, &def.Nodes); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	if err := unmarshalInto(r.Edges, &def.Edges); err != nil {
		return nil, fmt.Errorf("decode edges: %w", err)
	}
	return def, nil
}

const definitionColumns = `id, tenant_id, name, trigger_type, trigger_filter, nodes, edges,
	prevent_duplicates, run_once_per_lead, cooldown_minutes, is_active,
	runs_count, success_count, failure_count, last_run_at, created_at, updated_at, deleted_at`

func (p *Postgres) GetDefinition(ctx context.Context, tenantID, id string) (*model.Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM definitions WHERE id = $1`
	args := []any{id}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}

	var row definitionRow
	if err := p.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get definition %s: %w", id, err)
	}
	return row.toModel()
}

func (p *Postgres) ListActiveByTrigger(ctx context.Context, tenantID string, t model.TriggerType) ([]*model.Definition, error) {
	// Legacy definitions may still carry the siteVisitScheduled
	// trigger name; match both spellings for appointment triggers.
	names := []string{string(t)}
	if t == model.TriggerAppointmentScheduled {
		names = append(names, "siteVisitScheduled", "siteVisit.scheduled")
	}

	query, args, err := sqlx.In(`SELECT `+definitionColumns+`
		FROM definitions
		WHERE tenant_id = ? AND is_active = TRUE AND deleted_at IS NULL
		  AND trigger_type IN (?)
		ORDER BY id`, tenantID, names)
	if err != nil {
		return nil, fmt.Errorf("build definition query: %w", err)
	}

	var rows []definitionRow
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list definitions for %s/%s: %w", tenantID, t, err)
	}

	defs := make([]*model.Definition, 0, len(rows))
	for i := range rows {
		def, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (p *Postgres) SaveDefinition(ctx context.Context, def *model.Definition) error {
	def.TriggerType = model.NormalizeTriggerType(string(def.TriggerType))

	filter, err := marshalJSON(def.TriggerFilter)
	if err != nil {
		return fmt.Errorf("encode trigger filter: %w", err)
	}
	nodes, err := marshalJSON(def.Nodes)
	if err != nil {
		return fmt.Errorf("encode nodes: %w", err)
	}
	edges, err := marshalJSON(def.Edges)
	if err != nil {
		return fmt.Errorf("encode edges: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO definitions (`+definitionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now(),$16)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			trigger_type = EXCLUDED.trigger_type,
			trigger_filter = EXCLUDED.trigger_filter,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			prevent_duplicates = EXCLUDED.prevent_duplicates,
			run_once_per_lead = EXCLUDED.run_once_per_lead,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			is_active = EXCLUDED.is_active,
			updated_at = now(),
			deleted_at = EXCLUDED.deleted_at`,
		def.ID, def.TenantID, def.Name, string(def.TriggerType), filter, nodes, edges,
		def.PreventDuplicates, def.RunOncePerLead, def.CooldownMinutes, def.IsActive,
		def.RunsCount, def.SuccessCount, def.FailureCount, def.LastRunAt, def.DeletedAt)
	if err != nil {
		return fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return nil
}

func (p *Postgres) RecordRunStarted(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE definitions SET runs_count = runs_count + 1, last_run_at = $2, updated_at = now()
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("record run started for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) RecordRunOutcome(ctx context.Context, id string, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE definitions SET `+column+` = `+column+` + 1, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record run outcome for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return nil
}
