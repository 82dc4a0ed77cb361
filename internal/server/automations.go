package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"dealdesk/internal/automation"
	"dealdesk/internal/changelog"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/repo"
)

func registerAutomations(api huma.API, e engine.Engine, runner *automation.Runner) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-automation",
		Method:        http.MethodPost,
		Path:          "/automations",
		Summary:       "Create automation",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body AutomationRequest `json:"body"`
	}) (*struct {
		Body domain.Automation `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		triggerCfg, err := rawJSON(input.Body.TriggerConfig)
		if err != nil {
			return nil, handleError(err)
		}
		actions, err := rawJSON(input.Body.Actions)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := runner.Create(ctx, automation.CreateOptions{
			Name:          input.Body.Name,
			Description:   input.Body.Description,
			TriggerType:   input.Body.TriggerType,
			TriggerConfig: triggerCfg,
			Actions:       actions,
			Actor:         actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Automation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-automations",
		Method:      http.MethodGet,
		Path:        "/automations",
		Summary:     "List automations",
	}, func(ctx context.Context, input *struct {
		TriggerType string `query:"trigger_type"`
		ActiveOnly  bool   `query:"active_only"`
	}) (*struct {
		Body []domain.Automation `json:"body"`
	}, error) {
		items, err := e.Repo.ListAutomations(ctx, repo.AutomationFilters{
			TriggerType: input.TriggerType,
			ActiveOnly:  input.ActiveOnly,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Automation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-automation",
		Method:      http.MethodGet,
		Path:        "/automations/{automation_id}",
		Summary:     "Get automation",
	}, func(ctx context.Context, input *struct {
		AutomationID string `path:"automation_id"`
	}) (*struct {
		Body domain.Automation `json:"body"`
	}, error) {
		a, err := e.Repo.GetAutomation(ctx, input.AutomationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Automation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-automation",
		Method:      http.MethodPatch,
		Path:        "/automations/{automation_id}",
		Summary:     "Update automation",
	}, func(ctx context.Context, input *struct {
		AutomationID string            `path:"automation_id"`
		Body         AutomationRequest `json:"body"`
	}) (*struct {
		Body domain.Automation `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		triggerCfg, err := rawJSON(input.Body.TriggerConfig)
		if err != nil {
			return nil, handleError(err)
		}
		actions, err := rawJSON(input.Body.Actions)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := runner.Update(ctx, domain.Automation{
			ID:            input.AutomationID,
			Name:          input.Body.Name,
			Description:   input.Body.Description,
			TriggerType:   input.Body.TriggerType,
			TriggerConfig: triggerCfg,
			ActionsJSON:   actions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Automation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-automation",
		Method:      http.MethodPost,
		Path:        "/automations/{automation_id}/toggle",
		Summary:     "Activate or deactivate automation",
	}, func(ctx context.Context, input *struct {
		AutomationID string `path:"automation_id"`
		Body         struct {
			Active bool `json:"active"`
		} `json:"body"`
	}) (*struct {
		Body domain.Automation `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := runner.SetActive(ctx, input.AutomationID, input.Body.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Automation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-automation",
		Method:      http.MethodDelete,
		Path:        "/automations/{automation_id}",
		Summary:     "Delete automation",
	}, func(ctx context.Context, input *struct {
		AutomationID string `path:"automation_id"`
	}) (*struct{}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := runner.Delete(ctx, input.AutomationID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-automation-executions",
		Method:      http.MethodGet,
		Path:        "/automations/{automation_id}/executions",
		Summary:     "Recent executions of an automation",
	}, func(ctx context.Context, input *struct {
		AutomationID string `path:"automation_id"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body []domain.AutomationExecution `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAutomation(ctx, input.AutomationID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListExecutions(ctx, input.AutomationID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AutomationExecution `json:"body"`
		}{Body: items}, nil
	})
}

func registerChangelog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-changelog",
		Method:      http.MethodGet,
		Path:        "/changelog",
		Summary:     "Audit trail, newest first",
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Field      string `query:"field"`
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []domain.ChangelogEntry `json:"body"`
	}, error) {
		items, err := e.Repo.ListChangelog(ctx, repo.ChangelogFilters{
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			FieldName:  input.Field,
			Limit:      input.Limit,
			Cursor:     input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChangelogEntry `json:"body"`
		}{Body: items}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Notifications for the caller",
	}, func(ctx context.Context, input *struct {
		UnreadOnly bool `query:"unread_only"`
		Limit      int  `query:"limit"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListNotifications(ctx, actor, input.UnreadOnly, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/read",
		Summary:     "Mark notification read",
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct{}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ts := time.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.MarkNotificationRead(ctx, input.NotificationID, ts); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// registerLeadWebhook exposes the unauthenticated inbound lead endpoint.
// Leads become cards in the default pipeline's initial stage.
func registerLeadWebhook(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "lead-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks/leads",
		Summary:       "Inbound lead capture",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body LeadRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		fields := map[string]any{}
		for k, v := range input.Body.Fields {
			fields[k] = v
		}
		if input.Body.Email != "" {
			fields["email"] = input.Body.Email
		}
		if input.Body.Phone != "" {
			fields["phone"] = input.Body.Phone
		}
		if input.Body.Source != "" {
			fields["source"] = input.Body.Source
		}
		fieldsJSON := ""
		if len(fields) > 0 {
			b, err := json.Marshal(fields)
			if err != nil {
				return nil, handleError(err)
			}
			fieldsJSON = string(b)
		}
		c, err := e.CreateCard(ctx, engine.CardCreateOptions{
			Title:      input.Body.Name,
			Value:      input.Body.Value,
			Priority:   input.Body.Priority,
			FieldsJSON: fieldsJSON,
			Actor:      "webhook",
			ActorType:  changelog.ActorSystem,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})
}

// rawJSON renders a decoded request fragment back to its stored JSON form.
func rawJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
