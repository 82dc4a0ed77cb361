package repo

import (
	"context"
	"database/sql"
	"strings"

	"dealdesk/internal/domain"
)

type ChangelogFilters struct {
	EntityType string
	EntityID   string
	FieldName  string
	Limit      int
	Cursor     int64
}

// ListChangelog returns audit entries newest-first. Entries for a single
// entity are totally ordered by the autoincrement id, which follows commit
// order.
func (r Repo) ListChangelog(ctx context.Context, f ChangelogFilters) ([]domain.ChangelogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.FieldName != "" {
		clauses = append(clauses, "field_name=?")
		args = append(args, f.FieldName)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,entity_type,entity_id,field_name,old_value,new_value,actor,actor_type,created_at FROM changelog WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChangelog(rows)
}

// ChangelogAfter returns entries with ids greater than cursor in ascending
// order, for outbound webhook delivery.
func (r Repo) ChangelogAfter(ctx context.Context, limit int, cursor int64) ([]domain.ChangelogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_type,entity_id,field_name,old_value,new_value,actor,actor_type,created_at FROM changelog WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChangelog(rows)
}

// LatestChangelogID returns the most recent changelog id.
func (r Repo) LatestChangelogID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM changelog`).Scan(&id)
	return id, err
}

func collectChangelog(rows *sql.Rows) ([]domain.ChangelogEntry, error) {
	var res []domain.ChangelogEntry
	for rows.Next() {
		var e domain.ChangelogEntry
		var oldVal, newVal sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.FieldName, &oldVal, &newVal, &e.Actor, &e.ActorType, &e.CreatedAt); err != nil {
			return nil, err
		}
		if oldVal.Valid {
			e.OldValue = &oldVal.String
		}
		if newVal.Valid {
			e.NewValue = &newVal.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
