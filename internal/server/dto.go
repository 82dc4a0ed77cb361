package server

// Request DTOs. Responses reuse the domain structs directly.

type StageRequest struct {
	Slug        string `json:"slug"`
	Name        string `json:"name,omitempty"`
	Initial     bool   `json:"initial,omitempty"`
	Terminal    bool   `json:"terminal,omitempty"`
	Probability int    `json:"probability,omitempty" minimum:"0" maximum:"100"`
}

type CreatePipelineRequest struct {
	Name      string         `json:"name"`
	Stages    []StageRequest `json:"stages"`
	IsDefault bool           `json:"is_default,omitempty"`
}

type CreateCardRequest struct {
	PipelineID string         `json:"pipeline_id,omitempty"`
	StageSlug  string         `json:"stage_slug,omitempty"`
	Title      string         `json:"title"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Value      *float64       `json:"value,omitempty"`
	Priority   string         `json:"priority,omitempty" enum:"baixa,media,alta,urgente"`
	Tags       []string       `json:"tags,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

type MoveCardRequest struct {
	TargetStage string `json:"target_stage,omitempty"`
	TargetIndex *int   `json:"target_index,omitempty"`
	BaseVersion int64  `json:"base_version"`
}

type UpdateFieldRequest struct {
	Field       string `json:"field"`
	Value       string `json:"value"`
	BaseVersion int64  `json:"base_version"`
}

type CreateTaskRequest struct {
	Title      string `json:"title"`
	Priority   string `json:"priority,omitempty" enum:"baixa,media,alta,urgente"`
	DueAt      string `json:"due_at,omitempty" format:"date-time"`
	AssigneeID string `json:"assignee_id,omitempty"`
}

type CreateCommentRequest struct {
	Body     string   `json:"body"`
	Mentions []string `json:"mentions,omitempty"`
	ParentID string   `json:"parent_id,omitempty"`
}

type CreateAttachmentRequest struct {
	FileName  string `json:"file_name"`
	FileURL   string `json:"file_url"`
	SizeBytes *int64 `json:"size_bytes,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
}

type AutomationRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	TriggerType   string `json:"trigger_type" enum:"stage_entered,field_changed,time_elapsed,card_created,task_completed"`
	TriggerConfig any    `json:"trigger_config,omitempty"`
	Actions       any    `json:"actions"`
}

type LeadRequest struct {
	Name     string         `json:"name"`
	Email    string         `json:"email,omitempty"`
	Phone    string         `json:"phone,omitempty"`
	Source   string         `json:"source,omitempty"`
	Value    *float64       `json:"value,omitempty"`
	Priority string         `json:"priority,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}
