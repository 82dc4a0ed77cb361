package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"dealdesk/internal/domain"
)

// Action is one step of an automation's action list, in execution order.
type Action struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// ParseActions decodes an automation's stored action list.
func ParseActions(raw string) ([]Action, error) {
	var actions []Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("actions: %w", err)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("actions: empty list")
	}
	for i, a := range actions {
		if a.Type == "" {
			return nil, fmt.Errorf("actions[%d]: missing type", i)
		}
	}
	return actions, nil
}

// Dispatcher executes one action type against the event that triggered it.
// automationID identifies the running automation for chain bookkeeping.
type Dispatcher interface {
	Type() string
	Execute(ctx context.Context, cfg json.RawMessage, evt domain.Event, automationID string) error
}

// Registry maps action types to dispatchers.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[string]Dispatcher)}
}

func (r *Registry) Register(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[d.Type()] = d
}

func (r *Registry) Get(actionType string) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dispatchers[actionType]
	if !ok {
		return nil, fmt.Errorf("no dispatcher registered for action %q", actionType)
	}
	return d, nil
}

// Expand substitutes {{...}} placeholders in action templates with values
// from the triggering event.
func Expand(tmpl string, evt domain.Event) string {
	r := strings.NewReplacer(
		"{{card.id}}", evt.Card.ID,
		"{{card.title}}", evt.Card.Title,
		"{{card.stage}}", evt.Card.StageSlug,
		"{{card.owner}}", derefStr(evt.Card.OwnerID),
		"{{card.priority}}", evt.Card.Priority,
		"{{stage}}", evt.StageSlug,
		"{{old_stage}}", evt.OldStage,
		"{{field}}", evt.Field,
		"{{old_value}}", evt.OldValue,
		"{{new_value}}", evt.NewValue,
		"{{actor}}", evt.Actor,
	)
	return r.Replace(tmpl)
}

func derefStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// workflowActor is the changelog actor recorded for automation-driven writes.
func workflowActor(automationID string) string {
	return "automation:" + automationID
}
