package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dealdesk/internal/domain"
)

// CreateOptions are parameters for creating an automation. TriggerConfig and
// Actions are raw JSON; both are validated and the condition compiled before
// anything is stored.
type CreateOptions struct {
	ID            string
	Name          string
	Description   string
	TriggerType   string
	TriggerConfig string
	Actions       string
	Actor         string
}

func (r *Runner) Create(ctx context.Context, opts CreateOptions) (domain.Automation, error) {
	if opts.Name == "" {
		return domain.Automation{}, errors.New("name is required")
	}
	if !triggerTypes[opts.TriggerType] {
		return domain.Automation{}, fmt.Errorf("unknown trigger type %q", opts.TriggerType)
	}
	if opts.TriggerConfig == "" {
		opts.TriggerConfig = "{}"
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	ts := r.now().UTC().Format(time.RFC3339)
	row := domain.Automation{
		ID:            opts.ID,
		Name:          opts.Name,
		Description:   opts.Description,
		TriggerType:   opts.TriggerType,
		TriggerConfig: opts.TriggerConfig,
		ActionsJSON:   opts.Actions,
		IsActive:      true,
		CreatedBy:     opts.Actor,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if err := r.validate(row); err != nil {
		return domain.Automation{}, err
	}
	if err := r.Repo.InsertAutomation(ctx, row); err != nil {
		return domain.Automation{}, fmt.Errorf("insert automation: %w", err)
	}
	r.Invalidate()
	return row, nil
}

// Update rewrites the user-editable fields of an automation. Execution
// bookkeeping is untouched.
func (r *Runner) Update(ctx context.Context, row domain.Automation) (domain.Automation, error) {
	current, err := r.Repo.GetAutomation(ctx, row.ID)
	if err != nil {
		return domain.Automation{}, err
	}
	if row.Name == "" {
		row.Name = current.Name
	}
	if row.TriggerType == "" {
		row.TriggerType = current.TriggerType
	}
	if row.TriggerConfig == "" {
		row.TriggerConfig = current.TriggerConfig
	}
	if row.ActionsJSON == "" {
		row.ActionsJSON = current.ActionsJSON
	}
	row.IsActive = current.IsActive
	if !triggerTypes[row.TriggerType] {
		return domain.Automation{}, fmt.Errorf("unknown trigger type %q", row.TriggerType)
	}
	if err := r.validate(row); err != nil {
		return domain.Automation{}, err
	}
	row.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.UpdateAutomation(ctx, row); err != nil {
		return domain.Automation{}, err
	}
	r.Invalidate()
	return r.Repo.GetAutomation(ctx, row.ID)
}

func (r *Runner) SetActive(ctx context.Context, id string, active bool) (domain.Automation, error) {
	ts := r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.SetAutomationActive(ctx, id, active, ts); err != nil {
		return domain.Automation{}, err
	}
	r.Invalidate()
	return r.Repo.GetAutomation(ctx, id)
}

func (r *Runner) Delete(ctx context.Context, id string) error {
	if err := r.Repo.DeleteAutomation(ctx, id); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// validate compiles the rule and, when a registry is wired, checks every
// action type has a dispatcher.
func (r *Runner) validate(row domain.Automation) error {
	ca, err := compile(row)
	if err != nil {
		return err
	}
	if row.TriggerType == TriggerTimeElapsed && ca.trigger.Hours <= 0 {
		return errors.New("time_elapsed trigger needs hours > 0")
	}
	if r.Registry == nil {
		return nil
	}
	for _, a := range ca.actions {
		if _, err := r.Registry.Get(a.Type); err != nil {
			return err
		}
	}
	return nil
}
