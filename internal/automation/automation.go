package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"dealdesk/internal/config"
	"dealdesk/internal/dispatch"
	"dealdesk/internal/domain"
	"dealdesk/internal/repo"
)

// Trigger types.
const (
	TriggerStageEntered  = "stage_entered"
	TriggerFieldChanged  = "field_changed"
	TriggerTimeElapsed   = "time_elapsed"
	TriggerCardCreated   = "card_created"
	TriggerTaskCompleted = "task_completed"
)

var triggerTypes = map[string]bool{
	TriggerStageEntered:  true,
	TriggerFieldChanged:  true,
	TriggerTimeElapsed:   true,
	TriggerCardCreated:   true,
	TriggerTaskCompleted: true,
}

// Runner matches committed events against active automations and executes
// their actions. Subscribe it to the bus with Runner.HandleEvent.
type Runner struct {
	Repo     repo.Repo
	Registry *dispatch.Registry
	Config   *config.Config
	Log      *slog.Logger
	Now      func() time.Time

	mu     sync.RWMutex
	cache  map[string][]compiledAutomation
	loaded bool
}

// compiledAutomation is a cache entry: the stored row plus its parsed action
// list and, for field_changed triggers, the compiled condition.
type compiledAutomation struct {
	row       domain.Automation
	trigger   triggerConfig
	actions   []dispatch.Action
	condition *vm.Program
}

// triggerConfig is the union of all trigger-type specific settings. Old and
// New are plain value predicates for field_changed; Condition is the expr
// form for anything richer.
type triggerConfig struct {
	PipelineID string  `json:"pipeline_id"`
	Stage      string  `json:"stage"`
	Field      string  `json:"field"`
	Old        *string `json:"old"`
	New        *string `json:"new"`
	Condition  string  `json:"condition"`
	Hours      float64 `json:"hours"`
	Basis      string  `json:"basis"`
}

func NewRunner(r repo.Repo, reg *dispatch.Registry, cfg *config.Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{Repo: r, Registry: reg, Config: cfg, Log: log, Now: time.Now}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) depthLimit() int {
	if r.Config != nil && r.Config.Automation.ChainDepthLimit > 0 {
		return r.Config.Automation.ChainDepthLimit
	}
	return 5
}

// HandleEvent is the bus subscriber. It never returns an error; failures are
// recorded per execution and logged.
func (r *Runner) HandleEvent(ctx context.Context, evt domain.Event) {
	trigger, ok := triggerForEvent(evt.Kind)
	if !ok {
		return
	}
	if evt.Depth >= r.depthLimit() {
		r.recordChainStop(ctx, evt)
		return
	}
	matches, err := r.active(ctx, trigger)
	if err != nil {
		r.Log.Error("automation: load rules", "trigger", trigger, "err", err)
		return
	}
	for _, ca := range matches {
		hit, err := r.matches(ca, evt)
		if err != nil {
			r.Log.Error("automation: condition", "automation", ca.row.ID, "err", err)
			continue
		}
		if !hit {
			continue
		}
		r.run(ctx, ca, evt)
	}
}

func triggerForEvent(kind domain.EventKind) (string, bool) {
	switch kind {
	case domain.EventCardCreated:
		return TriggerCardCreated, true
	case domain.EventStageChanged:
		return TriggerStageEntered, true
	case domain.EventFieldChanged:
		return TriggerFieldChanged, true
	case domain.EventTaskCompleted:
		return TriggerTaskCompleted, true
	default:
		return "", false
	}
}

// matches applies the trigger-type specific filters.
func (r *Runner) matches(ca compiledAutomation, evt domain.Event) (bool, error) {
	tc := ca.trigger
	if tc.PipelineID != "" && tc.PipelineID != evt.PipelineID {
		return false, nil
	}
	switch ca.row.TriggerType {
	case TriggerStageEntered:
		return tc.Stage == "" || tc.Stage == evt.StageSlug, nil
	case TriggerCardCreated:
		if tc.Stage != "" && tc.Stage != evt.StageSlug {
			return false, nil
		}
		return true, nil
	case TriggerTaskCompleted:
		return tc.Stage == "" || tc.Stage == evt.StageSlug, nil
	case TriggerFieldChanged:
		if tc.Field != "" && tc.Field != evt.Field {
			return false, nil
		}
		if tc.Old != nil && *tc.Old != evt.OldValue {
			return false, nil
		}
		if tc.New != nil && *tc.New != evt.NewValue {
			return false, nil
		}
		if ca.condition == nil {
			return true, nil
		}
		out, err := expr.Run(ca.condition, conditionEnv(evt))
		if err != nil {
			return false, err
		}
		hit, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("condition %q is not boolean", tc.Condition)
		}
		return hit, nil
	default:
		return false, nil
	}
}

// conditionEnv is the variable set field_changed conditions can reference.
func conditionEnv(evt domain.Event) map[string]any {
	return map[string]any{
		"field": evt.Field,
		"old":   evt.OldValue,
		"new":   evt.NewValue,
		"card": map[string]any{
			"id":       evt.Card.ID,
			"title":    evt.Card.Title,
			"stage":    evt.Card.StageSlug,
			"priority": evt.Card.Priority,
			"owner":    derefStr(evt.Card.OwnerID),
			"value":    derefFloat(evt.Card.Value),
			"tags":     evt.Card.Tags,
		},
	}
}

// run executes one matched automation's actions in order. Every action runs
// even when an earlier one failed; the execution row carries the combined
// outcome. The execution counter bumps exactly once per match.
func (r *Runner) run(ctx context.Context, ca compiledAutomation, evt domain.Event) {
	start := r.now()
	executedAt := start.UTC().Format(time.RFC3339)
	if err := r.Repo.BumpExecution(ctx, ca.row.ID, executedAt); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Deleted after the cache snapshot was taken.
			r.Invalidate()
			return
		}
		r.Log.Error("automation: bump execution", "automation", ca.row.ID, "err", err)
	}
	var failures []string
	for i, action := range ca.actions {
		d, err := r.Registry.Get(action.Type)
		if err == nil {
			err = d.Execute(ctx, action.Config, evt, ca.row.ID)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s[%d]: %v", action.Type, i, err))
			r.Log.Warn("automation: action failed",
				"automation", ca.row.ID, "action", action.Type, "card", evt.Card.ID, "err", err)
		}
	}
	status := "success"
	var errMsg *string
	if len(failures) > 0 {
		status = "failed"
		msg := strings.Join(failures, "; ")
		errMsg = &msg
	}
	exec := domain.AutomationExecution{
		ID:           uuid.NewString(),
		AutomationID: ca.row.ID,
		EntityType:   "card",
		EntityID:     evt.Card.ID,
		Status:       status,
		ErrorMessage: errMsg,
		DurationMS:   r.now().Sub(start).Milliseconds(),
		ExecutedAt:   executedAt,
	}
	if err := r.Repo.InsertExecution(ctx, exec); err != nil {
		r.Log.Error("automation: record execution", "automation", ca.row.ID, "err", err)
	}
	r.Log.Info("automation: executed",
		"automation", ca.row.ID, "name", ca.row.Name, "card", evt.Card.ID,
		"status", status, "actions", len(ca.actions), "depth", evt.Depth)
}

// recordChainStop writes a failed execution against the automation whose
// action produced the over-limit event, so runaway chains are visible.
func (r *Runner) recordChainStop(ctx context.Context, evt domain.Event) {
	r.Log.Warn("automation: chain depth limit reached",
		"card", evt.Card.ID, "depth", evt.Depth, "source", evt.SourceAutomation)
	if evt.SourceAutomation == "" {
		return
	}
	msg := fmt.Sprintf("ChainDepthExceeded: chain depth %d reached limit %d", evt.Depth, r.depthLimit())
	exec := domain.AutomationExecution{
		ID:           uuid.NewString(),
		AutomationID: evt.SourceAutomation,
		EntityType:   "card",
		EntityID:     evt.Card.ID,
		Status:       "failed",
		ErrorMessage: &msg,
		ExecutedAt:   r.now().UTC().Format(time.RFC3339),
	}
	if err := r.Repo.InsertExecution(ctx, exec); err != nil {
		r.Log.Error("automation: record chain stop", "automation", evt.SourceAutomation, "err", err)
	}
}

// active returns the cached active automations for one trigger type, loading
// the cache on first use.
func (r *Runner) active(ctx context.Context, trigger string) ([]compiledAutomation, error) {
	r.mu.RLock()
	if r.loaded {
		res := r.cache[trigger]
		r.mu.RUnlock()
		return res, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.cache[trigger], nil
	}
	rows, err := r.Repo.ListAutomations(ctx, repo.AutomationFilters{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	cache := make(map[string][]compiledAutomation)
	for _, row := range rows {
		ca, err := compile(row)
		if err != nil {
			// Bad rows are skipped, not fatal; creation validates so this
			// only happens on hand-edited data.
			r.Log.Error("automation: skipping invalid rule", "automation", row.ID, "err", err)
			continue
		}
		cache[row.TriggerType] = append(cache[row.TriggerType], ca)
	}
	r.cache = cache
	r.loaded = true
	return r.cache[trigger], nil
}

// Invalidate drops the rule cache. Called after any automation write.
func (r *Runner) Invalidate() {
	r.mu.Lock()
	r.loaded = false
	r.cache = nil
	r.mu.Unlock()
}

func compile(row domain.Automation) (compiledAutomation, error) {
	ca := compiledAutomation{row: row}
	if err := json.Unmarshal([]byte(row.TriggerConfig), &ca.trigger); err != nil {
		return ca, fmt.Errorf("trigger config: %w", err)
	}
	actions, err := dispatch.ParseActions(row.ActionsJSON)
	if err != nil {
		return ca, err
	}
	ca.actions = actions
	if row.TriggerType == TriggerFieldChanged && ca.trigger.Condition != "" {
		prog, err := expr.Compile(ca.trigger.Condition, expr.AllowUndefinedVariables())
		if err != nil {
			return ca, fmt.Errorf("condition: %w", err)
		}
		ca.condition = prog
	}
	return ca, nil
}

func derefStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
