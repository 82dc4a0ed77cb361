package domain

type Pipeline struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	IsDefault bool    `json:"is_default"`
	IsActive  bool    `json:"is_active"`
	Stages    []Stage `json:"stages,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type Stage struct {
	PipelineID  string `json:"pipeline_id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	IsInitial   bool   `json:"is_initial"`
	IsTerminal  bool   `json:"is_terminal"`
	Probability int    `json:"probability"`
}

// StageBySlug returns the stage with the given slug, if present.
func (p Pipeline) StageBySlug(slug string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Slug == slug {
			return s, true
		}
	}
	return Stage{}, false
}

// InitialStage returns the stage flagged is_initial, falling back to the
// lowest-positioned stage.
func (p Pipeline) InitialStage() (Stage, bool) {
	if len(p.Stages) == 0 {
		return Stage{}, false
	}
	best := p.Stages[0]
	for _, s := range p.Stages {
		if s.IsInitial {
			return s, true
		}
		if s.Position < best.Position {
			best = s
		}
	}
	return best, true
}

type Card struct {
	ID             string   `json:"id"`
	PipelineID     string   `json:"pipeline_id"`
	StageSlug      string   `json:"stage_slug"`
	Position       float64  `json:"position"`
	OwnerID        *string  `json:"owner_id,omitempty"`
	Title          string   `json:"title"`
	Value          *float64 `json:"value,omitempty"`
	Priority       string   `json:"priority,omitempty" enum:"baixa,media,alta,urgente"`
	Tags           []string `json:"tags,omitempty"`
	FieldsJSON     *string  `json:"fields_json,omitempty"`
	Version        int64    `json:"version"`
	StageEnteredAt string   `json:"stage_entered_at" format:"date-time"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// Priorities, lowest to highest.
var Priorities = []string{"baixa", "media", "alta", "urgente"}

func ValidPriority(p string) bool {
	for _, v := range Priorities {
		if v == p {
			return true
		}
	}
	return false
}

type ChangelogEntry struct {
	ID         int64   `json:"id"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	FieldName  string  `json:"field_name"`
	OldValue   *string `json:"old_value,omitempty"`
	NewValue   *string `json:"new_value,omitempty"`
	Actor      string  `json:"actor"`
	ActorType  string  `json:"actor_type" enum:"user,workflow,api,system"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Attachment struct {
	ID         string  `json:"id"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	FileName   string  `json:"file_name"`
	FileURL    string  `json:"file_url"`
	SizeBytes  *int64  `json:"size_bytes,omitempty"`
	MimeType   *string `json:"mime_type,omitempty"`
	Version    int     `json:"version"`
	ParentID   *string `json:"parent_id,omitempty"`
	UploadedBy string  `json:"uploaded_by"`
	Superseded bool    `json:"superseded"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID          string  `json:"id"`
	CardID      string  `json:"card_id"`
	Title       string  `json:"title"`
	Status      string  `json:"status" enum:"open,done,cancelled"`
	Priority    string  `json:"priority,omitempty"`
	DueAt       *string `json:"due_at,omitempty" format:"date-time"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	Reopened    bool    `json:"reopened"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Comment struct {
	ID         string   `json:"id"`
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	AuthorID   string   `json:"author_id"`
	Body       string   `json:"body"`
	Mentions   []string `json:"mentions,omitempty"`
	ParentID   *string  `json:"parent_id,omitempty"`
	Pinned     bool     `json:"pinned"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type Automation struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	TriggerType    string  `json:"trigger_type" enum:"stage_entered,field_changed,time_elapsed,card_created,task_completed"`
	TriggerConfig  string  `json:"trigger_config"` // JSON, trigger-type specific
	ActionsJSON    string  `json:"actions"`        // ordered JSON list of {type, config}
	IsActive       bool    `json:"is_active"`
	ExecutionCount int64   `json:"execution_count"`
	LastExecutedAt *string `json:"last_executed_at,omitempty" format:"date-time"`
	CreatedBy      string  `json:"created_by"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type AutomationExecution struct {
	ID           string  `json:"id"`
	AutomationID string  `json:"automation_id"`
	EntityType   string  `json:"entity_type"`
	EntityID     string  `json:"entity_id"`
	Status       string  `json:"status" enum:"success,failed"`
	ErrorMessage *string `json:"error_message,omitempty"`
	DurationMS   int64   `json:"duration_ms"`
	ExecutedAt   string  `json:"executed_at" format:"date-time"`
}

type Notification struct {
	ID          string  `json:"id"`
	RecipientID string  `json:"recipient_id"`
	Kind        string  `json:"kind"`
	Title       string  `json:"title"`
	Message     string  `json:"message,omitempty"`
	EntityType  string  `json:"entity_type,omitempty"`
	EntityID    string  `json:"entity_id,omitempty"`
	IsRead      bool    `json:"is_read"`
	ReadAt      *string `json:"read_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}
