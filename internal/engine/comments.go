package engine

import (
	"context"
	"errors"
	"fmt"

	"dealdesk/internal/domain"
	"dealdesk/internal/repo"
)

// CommentCreateOptions are parameters for commenting on a card or task.
type CommentCreateOptions struct {
	ID         string
	EntityType string
	EntityID   string
	Body       string
	Mentions   []string
	ParentID   string
	Actor      string
	ActorType  string
}

func (e Engine) AddComment(ctx context.Context, opts CommentCreateOptions) (domain.Comment, error) {
	if opts.Body == "" {
		return domain.Comment{}, errors.New("body is required")
	}
	card, err := e.resolveCommentEntity(ctx, opts.EntityType, opts.EntityID)
	if err != nil {
		return domain.Comment{}, err
	}
	if opts.ParentID != "" {
		parent, err := e.Repo.GetComment(ctx, opts.ParentID)
		if err != nil {
			return domain.Comment{}, fmt.Errorf("parent comment: %w", err)
		}
		if parent.EntityType != opts.EntityType || parent.EntityID != opts.EntityID {
			return domain.Comment{}, errors.New("parent comment belongs to another entity")
		}
	}
	if opts.ID == "" {
		opts.ID = newID()
	}
	ts := e.timestamp()
	c := domain.Comment{
		ID:         opts.ID,
		EntityType: opts.EntityType,
		EntityID:   opts.EntityID,
		AuthorID:   opts.Actor,
		Body:       opts.Body,
		Mentions:   opts.Mentions,
		ParentID:   strPtr(opts.ParentID),
		CreatedAt:  ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Comment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCommentTx(ctx, tx, c); err != nil {
		return domain.Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	for _, userID := range c.Mentions {
		if userID == opts.Actor {
			continue
		}
		if err := e.Repo.InsertNotificationTx(ctx, tx, domain.Notification{
			ID:          newID(),
			RecipientID: userID,
			Kind:        "mention",
			Title:       fmt.Sprintf("%s mentioned you", opts.Actor),
			Message:     c.Body,
			EntityType:  c.EntityType,
			EntityID:    c.EntityID,
			CreatedAt:   ts,
		}); err != nil {
			return domain.Comment{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Comment{}, err
	}

	if c.EntityType == "card" {
		e.publish(ctx, domain.Event{
			Kind:       domain.EventCommentAdded,
			Card:       card,
			PipelineID: card.PipelineID,
			StageSlug:  card.StageSlug,
			CommentID:  c.ID,
			Actor:      opts.Actor,
			At:         ts,
		})
	}
	return c, nil
}

// resolveCommentEntity checks the target exists and returns the card when the
// target is one, for event emission.
func (e Engine) resolveCommentEntity(ctx context.Context, entityType, entityID string) (domain.Card, error) {
	switch entityType {
	case "card":
		return e.Repo.GetCard(ctx, entityID)
	case "task":
		if _, err := e.Repo.GetTask(ctx, entityID); err != nil {
			return domain.Card{}, err
		}
		return domain.Card{}, nil
	default:
		return domain.Card{}, fmt.Errorf("comments are not supported on %q: %w", entityType, repo.ErrNotFound)
	}
}

func (e Engine) PinComment(ctx context.Context, commentID string, pinned bool) (domain.Comment, error) {
	if err := e.Repo.SetCommentPinned(ctx, commentID, pinned); err != nil {
		return domain.Comment{}, err
	}
	return e.Repo.GetComment(ctx, commentID)
}
