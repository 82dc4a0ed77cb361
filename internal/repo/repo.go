package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dealdesk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleWrite is returned when an optimistic-version update loses the
	// race; callers re-fetch and retry.
	ErrStaleWrite = errors.New("stale write: version mismatch")
)

// --- pipelines ---

func (r Repo) InsertPipelineTx(ctx context.Context, tx *sql.Tx, p domain.Pipeline) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO pipelines(id,name,is_default,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, boolInt(p.IsDefault), boolInt(p.IsActive), p.CreatedAt, p.UpdatedAt); err != nil {
		return err
	}
	for _, s := range p.Stages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stages(pipeline_id,slug,name,position,is_initial,is_terminal,probability) VALUES (?,?,?,?,?,?,?)`,
			p.ID, s.Slug, s.Name, s.Position, boolInt(s.IsInitial), boolInt(s.IsTerminal), s.Probability); err != nil {
			return err
		}
	}
	return nil
}

// ClearDefaultPipelineTx unsets is_default everywhere; exactly one default
// pipeline exists system-wide.
func (r Repo) ClearDefaultPipelineTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `UPDATE pipelines SET is_default=0`)
	return err
}

func (r Repo) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	var p domain.Pipeline
	var isDefault, isActive int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,is_default,is_active,created_at,updated_at FROM pipelines WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &isDefault, &isActive, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.IsDefault = isDefault == 1
	p.IsActive = isActive == 1
	p.Stages, err = r.ListStages(ctx, p.ID)
	return p, err
}

func (r Repo) GetDefaultPipeline(ctx context.Context) (domain.Pipeline, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM pipelines WHERE is_default=1 LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.Pipeline{}, ErrNotFound
	}
	if err != nil {
		return domain.Pipeline{}, err
	}
	return r.GetPipeline(ctx, id)
}

func (r Repo) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,is_default,is_active,created_at,updated_at FROM pipelines ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pipeline
	for rows.Next() {
		var p domain.Pipeline
		var isDefault, isActive int
		if err := rows.Scan(&p.ID, &p.Name, &isDefault, &isActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.IsDefault = isDefault == 1
		p.IsActive = isActive == 1
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) ListStages(ctx context.Context, pipelineID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT pipeline_id,slug,name,position,is_initial,is_terminal,probability FROM stages WHERE pipeline_id=? ORDER BY position ASC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		var isInitial, isTerminal int
		if err := rows.Scan(&s.PipelineID, &s.Slug, &s.Name, &s.Position, &isInitial, &isTerminal, &s.Probability); err != nil {
			return nil, err
		}
		s.IsInitial = isInitial == 1
		s.IsTerminal = isTerminal == 1
		res = append(res, s)
	}
	return res, nil
}

// ReplaceStagesTx rewrites a pipeline's stage list. Callers must have
// verified that no removed slug is still occupied by a card.
func (r Repo) ReplaceStagesTx(ctx context.Context, tx *sql.Tx, pipelineID string, stages []domain.Stage) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE pipeline_id=?`, pipelineID); err != nil {
		return err
	}
	for _, s := range stages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stages(pipeline_id,slug,name,position,is_initial,is_terminal,probability) VALUES (?,?,?,?,?,?,?)`,
			pipelineID, s.Slug, s.Name, s.Position, boolInt(s.IsInitial), boolInt(s.IsTerminal), s.Probability); err != nil {
			return err
		}
	}
	return nil
}

// CountCardsInStage reports how many cards occupy (pipeline, stage).
func (r Repo) CountCardsInStage(ctx context.Context, pipelineID, slug string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM cards WHERE pipeline_id=? AND stage_slug=?`, pipelineID, slug).Scan(&n)
	return n, err
}

// --- cards ---

const cardColumns = `id,pipeline_id,stage_slug,position,owner_id,title,value,priority,tags_json,fields_json,version,stage_entered_at,created_at,updated_at`

func (r Repo) InsertCardTx(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	tags, err := marshalTags(c.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cards(`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.PipelineID, c.StageSlug, c.Position, nullableStringPtr(c.OwnerID), c.Title,
		nullableFloatPtr(c.Value), nullable(c.Priority), tags, nullableStringPtr(c.FieldsJSON),
		c.Version, c.StageEnteredAt, c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateCardVersionedTx commits card state only if the stored version still
// matches expected. The stored version is bumped to expected+1; the caller's
// struct must already carry Version=expected+1.
func (r Repo) UpdateCardVersionedTx(ctx context.Context, tx *sql.Tx, c domain.Card, expected int64) error {
	tags, err := marshalTags(c.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE cards SET stage_slug=?, position=?, owner_id=?, title=?, value=?, priority=?, tags_json=?, fields_json=?, version=?, stage_entered_at=?, updated_at=? WHERE id=? AND version=?`,
		c.StageSlug, c.Position, nullableStringPtr(c.OwnerID), c.Title, nullableFloatPtr(c.Value),
		nullable(c.Priority), tags, nullableStringPtr(c.FieldsJSON), expected+1, c.StageEnteredAt, c.UpdatedAt,
		c.ID, expected)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM cards WHERE id=?`, c.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStaleWrite
	}
	return nil
}

func scanCard(scan func(dest ...any) error) (domain.Card, error) {
	var c domain.Card
	var owner, priority, tags, fields sql.NullString
	var value sql.NullFloat64
	err := scan(&c.ID, &c.PipelineID, &c.StageSlug, &c.Position, &owner, &c.Title, &value, &priority, &tags, &fields, &c.Version, &c.StageEnteredAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if owner.Valid {
		c.OwnerID = &owner.String
	}
	if value.Valid {
		c.Value = &value.Float64
	}
	if priority.Valid {
		c.Priority = priority.String
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &c.Tags); err != nil {
			return c, fmt.Errorf("card %s tags: %w", c.ID, err)
		}
	}
	if fields.Valid {
		c.FieldsJSON = &fields.String
	}
	return c, nil
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id)
	return scanCard(row.Scan)
}

func (r Repo) GetCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id)
	return scanCard(row.Scan)
}

// ListColumnTx returns the cards of one board column in display order.
// Ordering falls back to insertion order on position ties so ties are never
// silently dropped.
func (r Repo) ListColumnTx(ctx context.Context, tx *sql.Tx, pipelineID, slug string) ([]domain.Card, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE pipeline_id=? AND stage_slug=? ORDER BY position ASC, created_at ASC, id ASC`, pipelineID, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

type CardFilters struct {
	PipelineID string
	StageSlug  string
	OwnerID    string
	Priority   string
	Limit      int
}

func (r Repo) ListCards(ctx context.Context, f CardFilters) ([]domain.Card, error) {
	var clauses []string
	var args []any
	if f.PipelineID != "" {
		clauses = append(clauses, "pipeline_id=?")
		args = append(args, f.PipelineID)
	}
	if f.StageSlug != "" {
		clauses = append(clauses, "stage_slug=?")
		args = append(args, f.StageSlug)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + cardColumns + ` FROM cards ` + where + ` ORDER BY stage_slug ASC, position ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
