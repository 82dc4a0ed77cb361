package engine

import (
	"context"
	"errors"
	"fmt"

	"dealdesk/internal/domain"
	"dealdesk/internal/repo"
)

// AttachmentCreateOptions are parameters for uploading an attachment. If
// ParentID names an earlier upload, the new one joins that version chain and
// the chain head is marked superseded.
type AttachmentCreateOptions struct {
	ID         string
	EntityType string
	EntityID   string
	FileName   string
	FileURL    string
	SizeBytes  *int64
	MimeType   string
	ParentID   string
	Actor      string
	ActorType  string
}

func (e Engine) AddAttachment(ctx context.Context, opts AttachmentCreateOptions) (domain.Attachment, error) {
	if opts.FileName == "" || opts.FileURL == "" {
		return domain.Attachment{}, errors.New("file_name and file_url are required")
	}
	if err := e.checkAttachmentEntity(ctx, opts.EntityType, opts.EntityID); err != nil {
		return domain.Attachment{}, err
	}
	if opts.ID == "" {
		opts.ID = newID()
	}
	a := domain.Attachment{
		ID:         opts.ID,
		EntityType: opts.EntityType,
		EntityID:   opts.EntityID,
		FileName:   opts.FileName,
		FileURL:    opts.FileURL,
		SizeBytes:  opts.SizeBytes,
		MimeType:   strPtr(opts.MimeType),
		Version:    1,
		UploadedBy: opts.Actor,
		CreatedAt:  e.timestamp(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attachment{}, err
	}
	defer tx.Rollback()

	if opts.ParentID != "" {
		// New versions always chain off the head, even when the caller
		// points at an older link.
		head, err := e.Repo.ChainHeadTx(ctx, tx, opts.ParentID)
		if err != nil {
			return domain.Attachment{}, fmt.Errorf("attachment chain: %w", err)
		}
		if head.EntityType != opts.EntityType || head.EntityID != opts.EntityID {
			return domain.Attachment{}, errors.New("parent attachment belongs to another entity")
		}
		a.Version = head.Version + 1
		a.ParentID = &head.ID
		if err := e.Repo.MarkSupersededTx(ctx, tx, head.ID); err != nil {
			return domain.Attachment{}, err
		}
	}
	if err := e.Repo.InsertAttachmentTx(ctx, tx, a); err != nil {
		return domain.Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	if err := e.Changelog.Append(ctx, tx, "attachment", a.ID, "uploaded", "", fmt.Sprintf("%s v%d", a.FileName, a.Version), opts.Actor, opts.ActorType); err != nil {
		return domain.Attachment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attachment{}, err
	}
	return a, nil
}

// SupersedeAttachment retires a version without uploading a replacement. The
// row stays for audit.
func (e Engine) SupersedeAttachment(ctx context.Context, id, actor, actorType string) error {
	a, err := e.Repo.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if a.Superseded {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkSupersededTx(ctx, tx, a.ID); err != nil {
		return err
	}
	if err := e.Changelog.Append(ctx, tx, "attachment", a.ID, "superseded", "false", "true", actor, actorType); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) checkAttachmentEntity(ctx context.Context, entityType, entityID string) error {
	switch entityType {
	case "card":
		_, err := e.Repo.GetCard(ctx, entityID)
		return err
	case "task":
		_, err := e.Repo.GetTask(ctx, entityID)
		return err
	default:
		return fmt.Errorf("attachments are not supported on %q: %w", entityType, repo.ErrNotFound)
	}
}
