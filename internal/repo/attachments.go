package repo

import (
	"context"
	"database/sql"

	"dealdesk/internal/domain"
)

const attachmentColumns = `id,entity_type,entity_id,file_name,file_url,size_bytes,mime_type,version,parent_id,uploaded_by,superseded,created_at`

func (r Repo) InsertAttachmentTx(ctx context.Context, tx *sql.Tx, a domain.Attachment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attachments(`+attachmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.EntityType, a.EntityID, a.FileName, a.FileURL, nullableInt64Ptr(a.SizeBytes),
		nullableStringPtr(a.MimeType), a.Version, nullableStringPtr(a.ParentID), a.UploadedBy,
		boolInt(a.Superseded), a.CreatedAt)
	return err
}

func scanAttachment(scan func(dest ...any) error) (domain.Attachment, error) {
	var a domain.Attachment
	var size sql.NullInt64
	var mime, parent sql.NullString
	var superseded int
	err := scan(&a.ID, &a.EntityType, &a.EntityID, &a.FileName, &a.FileURL, &size, &mime, &a.Version, &parent, &a.UploadedBy, &superseded, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if size.Valid {
		a.SizeBytes = &size.Int64
	}
	if mime.Valid {
		a.MimeType = &mime.String
	}
	if parent.Valid {
		a.ParentID = &parent.String
	}
	a.Superseded = superseded == 1
	return a, nil
}

func (r Repo) GetAttachment(ctx context.Context, id string) (domain.Attachment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id=?`, id)
	return scanAttachment(row.Scan)
}

func (r Repo) GetAttachmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Attachment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id=?`, id)
	return scanAttachment(row.Scan)
}

// ChainHeadTx returns the newest (highest-version) attachment of the chain
// that rootID belongs to.
func (r Repo) ChainHeadTx(ctx context.Context, tx *sql.Tx, rootID string) (domain.Attachment, error) {
	row := tx.QueryRowContext(ctx, `
WITH RECURSIVE chain(id) AS (
    SELECT ? UNION SELECT a.id FROM attachments a JOIN chain c ON a.parent_id = c.id
)
SELECT `+attachmentColumns+` FROM attachments WHERE id IN (SELECT id FROM chain) ORDER BY version DESC LIMIT 1`, rootID)
	return scanAttachment(row.Scan)
}

func (r Repo) ListAttachments(ctx context.Context, entityType, entityID string) ([]domain.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE entity_type=? AND entity_id=? ORDER BY created_at ASC, version ASC`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// MarkSupersededTx soft-deletes a version; the row stays for audit.
func (r Repo) MarkSupersededTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE attachments SET superseded=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
