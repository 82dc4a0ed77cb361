package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dealdesk/internal/domain"
)

// Task status transitions: open may move to done or cancelled, and a done
// task may be reopened exactly once. Everything else is rejected.
const (
	TaskOpen      = "open"
	TaskDone      = "done"
	TaskCancelled = "cancelled"
)

// TaskCreateOptions are parameters for creating a task on a card.
type TaskCreateOptions struct {
	ID         string
	CardID     string
	Title      string
	Priority   string
	DueAt      string
	AssigneeID string
	Actor      string
	ActorType  string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Priority != "" && !domain.ValidPriority(opts.Priority) {
		return domain.Task{}, fmt.Errorf("unknown priority %q", opts.Priority)
	}
	if opts.DueAt != "" {
		if _, err := time.Parse(time.RFC3339, opts.DueAt); err != nil {
			return domain.Task{}, fmt.Errorf("due_at: %w", err)
		}
	}
	if _, err := e.Repo.GetCard(ctx, opts.CardID); err != nil {
		return domain.Task{}, err
	}
	if opts.ID == "" {
		opts.ID = newID()
	}
	t := domain.Task{
		ID:         opts.ID,
		CardID:     opts.CardID,
		Title:      opts.Title,
		Status:     TaskOpen,
		Priority:   opts.Priority,
		DueAt:      strPtr(opts.DueAt),
		AssigneeID: strPtr(opts.AssigneeID),
		CreatedBy:  opts.Actor,
		CreatedAt:  e.timestamp(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Changelog.Append(ctx, tx, "task", t.ID, "created", "", t.Title, opts.Actor, opts.ActorType); err != nil {
		return domain.Task{}, err
	}
	if t.AssigneeID != nil && *t.AssigneeID != opts.Actor {
		if err := e.Repo.InsertNotificationTx(ctx, tx, domain.Notification{
			ID:          newID(),
			RecipientID: *t.AssigneeID,
			Kind:        "task_assigned",
			Title:       t.Title,
			Message:     fmt.Sprintf("task assigned by %s", opts.Actor),
			EntityType:  "task",
			EntityID:    t.ID,
			CreatedAt:   t.CreatedAt,
		}); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CompleteTask moves an open task to done and emits task_completed.
func (e Engine) CompleteTask(ctx context.Context, taskID, actor, actorType string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != TaskOpen {
		return domain.Task{}, fmt.Errorf("task %s is %s, only open tasks can be completed", t.ID, t.Status)
	}
	card, err := e.Repo.GetCard(ctx, t.CardID)
	if err != nil {
		return domain.Task{}, err
	}
	ts := e.timestamp()
	t.Status = TaskDone
	t.CompletedAt = &ts
	if err := e.writeTaskTransition(ctx, t, TaskOpen, actor, actorType); err != nil {
		return domain.Task{}, err
	}
	e.publish(ctx, domain.Event{
		Kind:       domain.EventTaskCompleted,
		Card:       card,
		PipelineID: card.PipelineID,
		StageSlug:  card.StageSlug,
		TaskID:     t.ID,
		Actor:      actor,
		At:         ts,
	})
	return t, nil
}

// ReopenTask moves a done task back to open. Each task may be reopened only
// once; the reopened flag is permanent.
func (e Engine) ReopenTask(ctx context.Context, taskID, actor, actorType string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != TaskDone {
		return domain.Task{}, fmt.Errorf("task %s is %s, only done tasks can be reopened", t.ID, t.Status)
	}
	if t.Reopened {
		return domain.Task{}, fmt.Errorf("task %s has already been reopened once", t.ID)
	}
	t.Status = TaskOpen
	t.Reopened = true
	t.CompletedAt = nil
	if err := e.writeTaskTransition(ctx, t, TaskDone, actor, actorType); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) CancelTask(ctx context.Context, taskID, actor, actorType string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != TaskOpen {
		return domain.Task{}, fmt.Errorf("task %s is %s, only open tasks can be cancelled", t.ID, t.Status)
	}
	t.Status = TaskCancelled
	if err := e.writeTaskTransition(ctx, t, TaskOpen, actor, actorType); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) writeTaskTransition(ctx context.Context, t domain.Task, oldStatus, actor, actorType string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Changelog.Append(ctx, tx, "task", t.ID, "status", oldStatus, t.Status, actor, actorType); err != nil {
		return err
	}
	return tx.Commit()
}
