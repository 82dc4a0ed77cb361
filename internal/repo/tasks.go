package repo

import (
	"context"
	"database/sql"
	"strings"

	"dealdesk/internal/domain"
)

const taskColumns = `id,card_id,title,status,priority,due_at,assignee_id,reopened,created_by,created_at,completed_at`

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CardID, t.Title, t.Status, nullable(t.Priority), nullableStringPtr(t.DueAt),
		nullableStringPtr(t.AssigneeID), boolInt(t.Reopened), t.CreatedBy, t.CreatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, status=?, priority=?, due_at=?, assignee_id=?, reopened=?, completed_at=? WHERE id=?`,
		t.Title, t.Status, nullable(t.Priority), nullableStringPtr(t.DueAt), nullableStringPtr(t.AssigneeID),
		boolInt(t.Reopened), nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var priority, dueAt, assignee, completedAt sql.NullString
	var reopened int
	err := scan(&t.ID, &t.CardID, &t.Title, &t.Status, &priority, &dueAt, &assignee, &reopened, &t.CreatedBy, &t.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if priority.Valid {
		t.Priority = priority.String
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.String
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	t.Reopened = reopened == 1
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	CardID     string
	Status     string
	AssigneeID string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CardID != "" {
		clauses = append(clauses, "card_id=?")
		args = append(args, f.CardID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}
