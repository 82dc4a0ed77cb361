package domain

// EventKind identifies a domain event emitted by the stage engine and its
// collaborators.
type EventKind string

const (
	EventCardCreated   EventKind = "card_created"
	EventStageChanged  EventKind = "stage_changed"
	EventFieldChanged  EventKind = "field_changed"
	EventCommentAdded  EventKind = "comment_added"
	EventTaskCompleted EventKind = "task_completed"
	EventTimeElapsed   EventKind = "time_elapsed"
)

// Event is an in-process domain event. Events are published only after the
// store commit that produced them succeeds.
type Event struct {
	Kind       EventKind `json:"kind"`
	Card       Card      `json:"card"`
	PipelineID string    `json:"pipeline_id"`
	StageSlug  string    `json:"stage_slug"`
	OldStage   string    `json:"old_stage,omitempty"`
	Field      string    `json:"field,omitempty"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	CommentID  string    `json:"comment_id,omitempty"`
	Actor      string    `json:"actor"`
	At         string    `json:"at" format:"date-time"`

	// Chain bookkeeping for automation-triggered re-entry. Depth counts
	// automation hops since the originating event; SourceAutomation is the
	// automation whose action produced this event, if any.
	Depth            int    `json:"depth,omitempty"`
	SourceAutomation string `json:"source_automation,omitempty"`
}
