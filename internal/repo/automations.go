package repo

import (
	"context"
	"database/sql"
	"strings"

	"dealdesk/internal/domain"
)

func (r Repo) InsertAutomation(ctx context.Context, a domain.Automation) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO automations(id,name,description,trigger_type,trigger_config,actions_json,is_active,execution_count,last_executed_at,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, nullable(a.Description), a.TriggerType, a.TriggerConfig, a.ActionsJSON,
		boolInt(a.IsActive), a.ExecutionCount, nullableStringPtr(a.LastExecutedAt), a.CreatedBy, a.CreatedAt, a.UpdatedAt)
	return err
}

func scanAutomation(scan func(dest ...any) error) (domain.Automation, error) {
	var a domain.Automation
	var desc, lastExecuted sql.NullString
	var isActive int
	err := scan(&a.ID, &a.Name, &desc, &a.TriggerType, &a.TriggerConfig, &a.ActionsJSON, &isActive, &a.ExecutionCount, &lastExecuted, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if desc.Valid {
		a.Description = desc.String
	}
	if lastExecuted.Valid {
		a.LastExecutedAt = &lastExecuted.String
	}
	a.IsActive = isActive == 1
	return a, nil
}

const automationColumns = `id,name,description,trigger_type,trigger_config,actions_json,is_active,execution_count,last_executed_at,created_by,created_at,updated_at`

func (r Repo) GetAutomation(ctx context.Context, id string) (domain.Automation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM automations WHERE id=?`, id)
	return scanAutomation(row.Scan)
}

type AutomationFilters struct {
	TriggerType string
	ActiveOnly  bool
}

func (r Repo) ListAutomations(ctx context.Context, f AutomationFilters) ([]domain.Automation, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TriggerType != "" {
		clauses = append(clauses, "trigger_type=?")
		args = append(args, f.TriggerType)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
	}
	query := `SELECT ` + automationColumns + ` FROM automations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Automation
	for rows.Next() {
		a, err := scanAutomation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// UpdateAutomation rewrites user-editable fields only; execution bookkeeping
// is engine-owned and goes through BumpExecution.
func (r Repo) UpdateAutomation(ctx context.Context, a domain.Automation) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE automations SET name=?, description=?, trigger_type=?, trigger_config=?, actions_json=?, is_active=?, updated_at=? WHERE id=?`,
		a.Name, nullable(a.Description), a.TriggerType, a.TriggerConfig, a.ActionsJSON, boolInt(a.IsActive), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetAutomationActive(ctx context.Context, id string, active bool, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE automations SET is_active=?, updated_at=? WHERE id=?`, boolInt(active), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAutomation(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM automations WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpExecution increments execution_count and stamps last_executed_at in a
// single statement, so concurrent matches for the same automation never lose
// an update.
func (r Repo) BumpExecution(ctx context.Context, id, executedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE automations SET execution_count=execution_count+1, last_executed_at=? WHERE id=?`, executedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertExecution(ctx context.Context, e domain.AutomationExecution) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO automation_executions(id,automation_id,entity_type,entity_id,status,error_message,duration_ms,executed_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.AutomationID, e.EntityType, e.EntityID, e.Status, nullableStringPtr(e.ErrorMessage), e.DurationMS, e.ExecutedAt)
	return err
}

func (r Repo) ListExecutions(ctx context.Context, automationID string, limit int) ([]domain.AutomationExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,automation_id,entity_type,entity_id,status,error_message,duration_ms,executed_at FROM automation_executions WHERE automation_id=? ORDER BY executed_at DESC, id DESC LIMIT ?`, automationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationExecution
	for rows.Next() {
		var e domain.AutomationExecution
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.AutomationID, &e.EntityType, &e.EntityID, &e.Status, &errMsg, &e.DurationMS, &e.ExecutedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			e.ErrorMessage = &errMsg.String
		}
		res = append(res, e)
	}
	return res, nil
}

// MarkFired records a time-elapsed firing for (automation, card) keyed by the
// basis timestamp the threshold was measured from. Returns false when the
// marker already existed, making sweeps idempotent per interval.
func (r Repo) MarkFired(ctx context.Context, automationID, cardID, basisTS, firedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO automation_fired(automation_id,card_id,basis_ts,fired_at) VALUES (?,?,?,?)`,
		automationID, cardID, basisTS, firedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
