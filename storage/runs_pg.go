package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relaycrm/flowengine/model"
)

type runRow struct {
	ID              string     `db:"id"`
	TenantID        string     `db:"tenant_id"`
	DefinitionID    string     `db:"definition_id"`
	LeadID          string     `db:"lead_id"`
	LeadPhone       string     `db:"lead_phone"`
	Status          string     `db:"status"`
	StartedAt       time.Time  `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	CurrentNodeID   string     `db:"current_node_id"`
	Error           string     `db:"error"`
	Context         []byte     `db:"context"`
	ExecutionPath   []byte     `db:"execution_path"`
	WaitingForReply []byte     `db:"waiting_for_reply"`
	WaitingForCall  []byte     `db:"waiting_for_call"`
	WaitingForTask  []byte     `db:"waiting_for_task"`
	Version         int64      `db:"version"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

const runColumns = `id, tenant_id, definition_id, lead_id, lead_phone, status, started_at,
	completed_at, current_node_id, error, context, execution_path,
	waiting_for_reply, waiting_for_call, waiting_for_task, version, updated_at`

func (r *runRow) toModel() (*model.Run, error) {
	run := &model.Run{
		ID:            r.ID,
		TenantID:      r.TenantID,
		DefinitionID:  r.DefinitionID,
		LeadID:        r.LeadID,
		LeadPhone:     r.LeadPhone,
		Status:        model.RunStatus(r.Status),
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		CurrentNodeID: r.CurrentNodeID,
		Error:         r.Error,
		Version:       r.Version,
		UpdatedAt:     r.UpdatedAt,
	}
	if err := unmarshalInto(r.Context, &run.Context); err != nil {
		return nil, fmt.Errorf("decode run context: %w", err)
	}
	if err := unmarshalInto(r.ExecutionPath, &run.ExecutionPath); err != nil {
		return nil, fmt.Errorf("decode execution path: %w", err)
	}
	if err := unmarshalInto(r.WaitingForReply, &run.WaitingForReply); err != nil {
		return nil, fmt.Errorf("decode reply wait: %w", err)
	}
	if err := unmarshalInto(r.WaitingForCall, &run.WaitingForCall); err != nil {
		return nil, fmt.Errorf("decode call wait: %w", err)
	}
	if err := unmarshalInto(r.WaitingForTask, &run.WaitingForTask); err != nil {
		return nil, fmt.Errorf("decode task wait: %w", err)
	}
	return run, nil
}

func runJSONColumns(run *model.Run) (ctxJSON, pathJSON, replyJSON, callJSON, taskJSON []byte, err error) {
	if ctxJSON, err = marshalJSON(run.Context); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("encode run context: %w", err)
	}
	if pathJSON, err = marshalJSON(run.ExecutionPath); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("encode execution path: %w", err)
	}
	if run.WaitingForReply != nil {
		if replyJSON, err = marshalJSON(run.WaitingForReply); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("encode reply wait: %w", err)
		}
	}
	if run.WaitingForCall != nil {
		if callJSON, err = marshalJSON(run.WaitingForCall); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("encode call wait: %w", err)
		}
	}
	if run.WaitingForTask != nil {
		if taskJSON, err = marshalJSON(run.WaitingForTask); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("encode task wait: %w", err)
		}
	}
	return ctxJSON, pathJSON, replyJSON, callJSON, taskJSON, nil
}

func (p *Postgres) CreateRun(ctx context.Context, run *model.Run) error {
	ctxJSON, pathJSON, replyJSON, callJSON, taskJSON, err := runJSONColumns(run)
	if err != nil {
		return err
	}
	run.Version = 1
	run.UpdatedAt = time.Now().UTC()

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		run.ID, run.TenantID, run.DefinitionID, run.LeadID, run.LeadPhone,
		string(run.Status), run.StartedAt, run.CompletedAt, run.CurrentNodeID, run.Error,
		ctxJSON, pathJSON, replyJSON, callJSON, taskJSON, run.Version, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var row runRow
	err := p.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return row.toModel()
}

func (p *Postgres) UpdateRun(ctx context.Context, run *model.Run) error {
	ctxJSON, pathJSON, replyJSON, callJSON, taskJSON, err := runJSONColumns(run)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := p.db.ExecContext(ctx, `
		UPDATE runs SET
			lead_phone = $2, status = $3, completed_at = $4, current_node_id = $5,
			error = $6, context = $7, execution_path = $8,
			waiting_for_reply = $9, waiting_for_call = $10, waiting_for_task = $11,
			version = version + 1, updated_at = $12
		WHERE id = $1 AND version = $13`,
		run.ID, run.LeadPhone, string(run.Status), run.CompletedAt, run.CurrentNodeID,
		run.Error, ctxJSON, pathJSON, replyJSON, callJSON, taskJSON, now, run.Version)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish a lost CAS from a missing run.
		var exists bool
		if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, run.ID); err == nil && !exists {
			return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
		}
		return fmt.Errorf("run %s: %w", run.ID, ErrVersionConflict)
	}
	run.Version++
	run.UpdatedAt = now
	return nil
}

func (p *Postgres) HasRunForLead(ctx context.Context, definitionID, leadID string) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM runs WHERE definition_id = $1 AND lead_id = $2)`,
		definitionID, leadID)
	if err != nil {
		return false, fmt.Errorf("check run exists: %w", err)
	}
	return exists, nil
}

func (p *Postgres) HasActiveRunForLead(ctx context.Context, definitionID, leadID string) (bool, error) {
	query, args, err := sqlx.In(
		`SELECT EXISTS (SELECT 1 FROM runs WHERE definition_id = ? AND lead_id = ? AND status IN (?))`,
		definitionID, leadID, activeStatusStrings())
	if err != nil {
		return false, fmt.Errorf("build active-run query: %w", err)
	}
	var exists bool
	if err := p.db.GetContext(ctx, &exists, p.db.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("check active run exists: %w", err)
	}
	return exists, nil
}

func (p *Postgres) LatestRunStart(ctx context.Context, definitionID, leadID string) (time.Time, bool, error) {
	var started time.Time
	err := p.db.GetContext(ctx, &started,
		`SELECT started_at FROM runs WHERE definition_id = $1 AND lead_id = $2
		 ORDER BY started_at DESC LIMIT 1`, definitionID, leadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("latest run start: %w", err)
	}
	return started, true, nil
}

func activeStatusStrings() []string {
	statuses := make([]string, len(model.ActiveRunStatuses))
	for i, s := range model.ActiveRunStatuses {
		statuses[i] = string(s)
	}
	return statuses
}

func runFilterClauses(f RunFilter) (string, []any, error) {
	clauses := []string{"TRUE"}
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.DefinitionID != "" {
		clauses = append(clauses, "definition_id = ?")
		args = append(args, f.DefinitionID)
	}
	if f.LeadID != "" {
		clauses = append(clauses, "lead_id = ?")
		args = append(args, f.LeadID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		clauses = append(clauses, "status IN (?)")
		args = append(args, statuses)
	}
	if !f.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, f.UpdatedBefore)
	}
	if !f.CompletedAfter.IsZero() {
		clauses = append(clauses, "completed_at >= ?")
		args = append(args, f.CompletedAfter)
	}
	return strings.Join(clauses, " AND "), args, nil
}

func (p *Postgres) ListRuns(ctx context.Context, f RunFilter) ([]*model.Run, error) {
	where, args, err := runFilterClauses(f)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + where + ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	expanded, inArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("build run list query: %w", err)
	}

	var rows []runRow
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(expanded), inArgs...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return rowsToRuns(rows)
}

func (p *Postgres) CountRuns(ctx context.Context, f RunFilter) (int, error) {
	where, args, err := runFilterClauses(f)
	if err != nil {
		return 0, err
	}
	expanded, inArgs, err := sqlx.In(`SELECT COUNT(*) FROM runs WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("build run count query: %w", err)
	}
	var count int
	if err := p.db.GetContext(ctx, &count, p.db.Rebind(expanded), inArgs...); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}

func rowsToRuns(rows []runRow) ([]*model.Run, error) {
	runs := make([]*model.Run, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (p *Postgres) FindWaitingForReplyByPhone(ctx context.Context, tenantID, phone string) ([]*model.Run, error) {
	var rows []runRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+runColumns+` FROM runs
		WHERE tenant_id = $1 AND status = $2 AND lower(lead_phone) = lower($3)
		  AND waiting_for_reply IS NOT NULL
		ORDER BY updated_at DESC`,
		tenantID, string(model.RunWaitingForReply), phone)
	if err != nil {
		return nil, fmt.Errorf("find waiting runs by phone: %w", err)
	}
	return rowsToRuns(rows)
}

func (p *Postgres) findOneRun(ctx context.Context, query string, args ...any) (*model.Run, error) {
	var row runRow
	if err := p.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find run: %w", err)
	}
	return row.toModel()
}

func (p *Postgres) FindByProviderCallID(ctx context.Context, callID string) (*model.Run, error) {
	return p.findOneRun(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE waiting_for_call ->> 'providerCallId' = $1
		ORDER BY updated_at DESC LIMIT 1`, callID)
}

func (p *Postgres) FindByProviderConversationID(ctx context.Context, conversationID string) (*model.Run, error) {
	return p.findOneRun(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE waiting_for_call ->> 'providerConversationId' = $1
		ORDER BY updated_at DESC LIMIT 1`, conversationID)
}

func (p *Postgres) FindByTaskID(ctx context.Context, taskID string) (*model.Run, error) {
	return p.findOneRun(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE waiting_for_task ->> 'taskId' = $1
		ORDER BY updated_at DESC LIMIT 1`, taskID)
}

func (p *Postgres) FindStaleRuns(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Run, error) {
	statuses := []string{
		string(model.RunRunning),
		string(model.RunWaitingForReply),
		string(model.RunWaitingForCall),
		string(model.RunWaitingForTask),
	}
	query, args, err := sqlx.In(`
		SELECT `+runColumns+` FROM runs
		WHERE status IN (?) AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`, statuses, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("build stale-run query: %w", err)
	}
	var rows []runRow
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("find stale runs: %w", err)
	}
	return rowsToRuns(rows)
}

func (p *Postgres) FindWaitingCallRuns(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Run, error) {
	var rows []runRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+runColumns+` FROM runs
		WHERE status = $1 AND waiting_for_call IS NOT NULL AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`,
		string(model.RunWaitingForCall), updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("find waiting call runs: %w", err)
	}
	return rowsToRuns(rows)
}

func (p *Postgres) DeleteRunsBefore(ctx context.Context, statuses []model.RunStatus, before time.Time) (int64, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	query, args, err := sqlx.In(
		`DELETE FROM runs WHERE status IN (?) AND completed_at IS NOT NULL AND completed_at < ?`,
		names, before)
	if err != nil {
		return 0, fmt.Errorf("build run prune query: %w", err)
	}
	res, err := p.db.ExecContext(ctx, p.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
