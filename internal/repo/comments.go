package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"dealdesk/internal/domain"
)

func (r Repo) InsertCommentTx(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	var mentions any
	if len(c.Mentions) > 0 {
		b, err := json.Marshal(c.Mentions)
		if err != nil {
			return err
		}
		mentions = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO comments(id,entity_type,entity_id,author_id,body,mentions_json,parent_id,pinned,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.EntityType, c.EntityID, c.AuthorID, c.Body, mentions, nullableStringPtr(c.ParentID), boolInt(c.Pinned), c.CreatedAt)
	return err
}

func (r Repo) GetComment(ctx context.Context, id string) (domain.Comment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,entity_type,entity_id,author_id,body,mentions_json,parent_id,pinned,created_at FROM comments WHERE id=?`, id)
	return scanComment(row.Scan)
}

func scanComment(scan func(dest ...any) error) (domain.Comment, error) {
	var c domain.Comment
	var mentions, parent sql.NullString
	var pinned int
	err := scan(&c.ID, &c.EntityType, &c.EntityID, &c.AuthorID, &c.Body, &mentions, &parent, &pinned, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if mentions.Valid && mentions.String != "" {
		if err := json.Unmarshal([]byte(mentions.String), &c.Mentions); err != nil {
			return c, fmt.Errorf("comment %s mentions: %w", c.ID, err)
		}
	}
	if parent.Valid {
		c.ParentID = &parent.String
	}
	c.Pinned = pinned == 1
	return c, nil
}

func (r Repo) ListComments(ctx context.Context, entityType, entityID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_type,entity_id,author_id,body,mentions_json,parent_id,pinned,created_at FROM comments WHERE entity_type=? AND entity_id=? ORDER BY created_at ASC, id ASC`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		c, err := scanComment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func (r Repo) SetCommentPinned(ctx context.Context, id string, pinned bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE comments SET pinned=? WHERE id=?`, boolInt(pinned), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- notifications ---

func (r Repo) InsertNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(id,recipient_id,kind,title,message,entity_type,entity_id,is_read,read_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.RecipientID, n.Kind, n.Title, nullable(n.Message), nullable(n.EntityType), nullable(n.EntityID),
		boolInt(n.IsRead), nullableStringPtr(n.ReadAt), n.CreatedAt)
	return err
}

func (r Repo) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,recipient_id,kind,title,message,entity_type,entity_id,is_read,read_at,created_at FROM notifications WHERE recipient_id=?`
	if unreadOnly {
		query += ` AND is_read=0`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var message, entityType, entityID, readAt sql.NullString
		var isRead int
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Title, &message, &entityType, &entityID, &isRead, &readAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		if message.Valid {
			n.Message = message.String
		}
		if entityType.Valid {
			n.EntityType = entityType.String
		}
		if entityID.Valid {
			n.EntityID = entityID.String
		}
		if readAt.Valid {
			n.ReadAt = &readAt.String
		}
		n.IsRead = isRead == 1
		res = append(res, n)
	}
	return res, nil
}

func (r Repo) MarkNotificationRead(ctx context.Context, id, readAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1, read_at=? WHERE id=?`, readAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
