package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dealdesk/internal/changelog"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
)

// CreateTaskDispatcher implements the create_task action. Due dates are
// computed on the engine's clock so they stay consistent with the rest of
// the timestamps it writes.
type CreateTaskDispatcher struct {
	Engine engine.Engine
}

func (d *CreateTaskDispatcher) now() time.Time {
	if d.Engine.Now != nil {
		return d.Engine.Now()
	}
	return time.Now()
}

type createTaskConfig struct {
	Title      string `json:"title"`
	Priority   string `json:"priority"`
	AssigneeID string `json:"assignee_id"`
	DueInHours int    `json:"due_in_hours"`
}

func (d *CreateTaskDispatcher) Type() string { return "create_task" }

func (d *CreateTaskDispatcher) Execute(ctx context.Context, cfg json.RawMessage, evt domain.Event, automationID string) error {
	var c createTaskConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return fmt.Errorf("create_task config: %w", err)
	}
	if c.Title == "" {
		return fmt.Errorf("create_task: title is required")
	}
	assignee := Expand(c.AssigneeID, evt)
	if assignee == "" {
		assignee = derefStr(evt.Card.OwnerID)
	}
	dueAt := ""
	if c.DueInHours > 0 {
		dueAt = d.now().UTC().Add(time.Duration(c.DueInHours) * time.Hour).Format(time.RFC3339)
	}
	_, err := d.Engine.CreateTask(ctx, engine.TaskCreateOptions{
		CardID:     evt.Card.ID,
		Title:      Expand(c.Title, evt),
		Priority:   c.Priority,
		DueAt:      dueAt,
		AssigneeID: assignee,
		Actor:      workflowActor(automationID),
		ActorType:  changelog.ActorWorkflow,
	})
	return err
}

// ReassignOwnerDispatcher implements the reassign_owner action.
type ReassignOwnerDispatcher struct {
	Engine engine.Engine
}

type reassignOwnerConfig struct {
	OwnerID string `json:"owner_id"`
}

func (d *ReassignOwnerDispatcher) Type() string { return "reassign_owner" }

func (d *ReassignOwnerDispatcher) Execute(ctx context.Context, cfg json.RawMessage, evt domain.Event, automationID string) error {
	var c reassignOwnerConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return fmt.Errorf("reassign_owner config: %w", err)
	}
	owner := Expand(c.OwnerID, evt)
	if owner == "" {
		return fmt.Errorf("reassign_owner: owner_id is required")
	}
	_, err := d.Engine.UpdateCardField(ctx, engine.FieldUpdateOptions{
		CardID:           evt.Card.ID,
		Field:            "owner_id",
		Value:            owner,
		Actor:            workflowActor(automationID),
		ActorType:        changelog.ActorWorkflow,
		Depth:            evt.Depth + 1,
		SourceAutomation: automationID,
	})
	return err
}

// ChangeStageDispatcher implements the change_stage action. The resulting
// stage_changed event carries Depth+1 so chained automations stay bounded.
type ChangeStageDispatcher struct {
	Engine engine.Engine
}

type changeStageConfig struct {
	Stage string `json:"stage"`
}

func (d *ChangeStageDispatcher) Type() string { return "change_stage" }

func (d *ChangeStageDispatcher) Execute(ctx context.Context, cfg json.RawMessage, evt domain.Event, automationID string) error {
	var c changeStageConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return fmt.Errorf("change_stage config: %w", err)
	}
	if c.Stage == "" {
		return fmt.Errorf("change_stage: stage is required")
	}
	_, err := d.Engine.MoveCard(ctx, engine.MoveCardOptions{
		CardID:           evt.Card.ID,
		TargetStage:      c.Stage,
		TargetIndex:      -1,
		Actor:            workflowActor(automationID),
		ActorType:        changelog.ActorWorkflow,
		Depth:            evt.Depth + 1,
		SourceAutomation: automationID,
	})
	return err
}

// AddTagDispatcher implements the add_tag action.
type AddTagDispatcher struct {
	Engine engine.Engine
}

type addTagConfig struct {
	Tag string `json:"tag"`
}

func (d *AddTagDispatcher) Type() string { return "add_tag" }

func (d *AddTagDispatcher) Execute(ctx context.Context, cfg json.RawMessage, evt domain.Event, automationID string) error {
	var c addTagConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return fmt.Errorf("add_tag config: %w", err)
	}
	tag := Expand(c.Tag, evt)
	if tag == "" {
		return fmt.Errorf("add_tag: tag is required")
	}
	_, err := d.Engine.AddCardTag(ctx, evt.Card.ID, tag, workflowActor(automationID), changelog.ActorWorkflow, evt.Depth+1, automationID)
	return err
}
