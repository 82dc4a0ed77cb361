package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dealdesk/internal/changelog"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/repo"
)

func registerCards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-card",
		Method:        http.MethodPost,
		Path:          "/cards",
		Summary:       "Create card",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateCardRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fieldsJSON := ""
		if len(input.Body.Fields) > 0 {
			b, err := json.Marshal(input.Body.Fields)
			if err != nil {
				return nil, handleError(err)
			}
			fieldsJSON = string(b)
		}
		c, err := e.CreateCard(ctx, engine.CardCreateOptions{
			PipelineID: input.Body.PipelineID,
			StageSlug:  input.Body.StageSlug,
			Title:      input.Body.Title,
			OwnerID:    input.Body.OwnerID,
			Value:      input.Body.Value,
			Priority:   input.Body.Priority,
			Tags:       input.Body.Tags,
			FieldsJSON: fieldsJSON,
			Actor:      actor,
			ActorType:  changelog.ActorAPI,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}",
		Summary:     "Get card",
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		c, err := e.Repo.GetCard(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/cards",
		Summary:     "List cards",
	}, func(ctx context.Context, input *struct {
		PipelineID string `query:"pipeline_id"`
		Stage      string `query:"stage"`
		OwnerID    string `query:"owner_id"`
		Priority   string `query:"priority"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Card `json:"body"`
	}, error) {
		items, err := e.Repo.ListCards(ctx, repo.CardFilters{
			PipelineID: input.PipelineID,
			StageSlug:  input.Stage,
			OwnerID:    input.OwnerID,
			Priority:   input.Priority,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Card `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-card",
		Method:      http.MethodPost,
		Path:        "/cards/{card_id}/move",
		Summary:     "Move card to a stage and slot",
		Errors:      []int{http.StatusConflict, http.StatusUnprocessableEntity, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string          `path:"card_id"`
		Body   MoveCardRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.BaseVersion <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "base_version is required", nil)
		}
		idx := -1
		if input.Body.TargetIndex != nil {
			idx = *input.Body.TargetIndex
		}
		c, err := e.MoveCard(ctx, engine.MoveCardOptions{
			CardID:      input.CardID,
			TargetStage: input.Body.TargetStage,
			TargetIndex: idx,
			BaseVersion: input.Body.BaseVersion,
			Actor:       actor,
			ActorType:   changelog.ActorAPI,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-card-field",
		Method:      http.MethodPatch,
		Path:        "/cards/{card_id}",
		Summary:     "Set one tracked card field",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string             `path:"card_id"`
		Body   UpdateFieldRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.BaseVersion <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "base_version is required", nil)
		}
		c, err := e.UpdateCardField(ctx, engine.FieldUpdateOptions{
			CardID:      input.CardID,
			Field:       input.Body.Field,
			Value:       input.Body.Value,
			BaseVersion: input.Body.BaseVersion,
			Actor:       actor,
			ActorType:   changelog.ActorAPI,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/cards/{card_id}/tasks",
		Summary:       "Create task on a card",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		CardID string            `path:"card_id"`
		Body   CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			CardID:     input.CardID,
			Title:      input.Body.Title,
			Priority:   input.Body.Priority,
			DueAt:      input.Body.DueAt,
			AssigneeID: input.Body.AssigneeID,
			Actor:      actor,
			ActorType:  changelog.ActorAPI,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}/tasks",
		Summary:     "List card tasks",
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
		Status string `query:"status"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{CardID: input.CardID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	type taskTransition func(ctx context.Context, taskID, actor, actorType string) (domain.Task, error)
	register := func(opID, pathSuffix, summary string, fn taskTransition) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/tasks/{task_id}/" + pathSuffix,
			Summary:     summary,
			Errors:      []int{http.StatusConflict, http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			TaskID string `path:"task_id"`
		}) (*struct {
			Body domain.Task `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := fn(ctx, input.TaskID, actor, changelog.ActorAPI)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Task `json:"body"`
			}{Body: t}, nil
		})
	}
	register("complete-task", "complete", "Complete task", e.CompleteTask)
	register("reopen-task", "reopen", "Reopen task", e.ReopenTask)
	register("cancel-task", "cancel", "Cancel task", e.CancelTask)
}

func registerComments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/{entity_type}/{entity_id}/comments",
		Summary:       "Comment on a card or task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		EntityType string               `path:"entity_type" enum:"cards,tasks"`
		EntityID   string               `path:"entity_id"`
		Body       CreateCommentRequest `json:"body"`
	}) (*struct {
		Body domain.Comment `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddComment(ctx, engine.CommentCreateOptions{
			EntityType: singular(input.EntityType),
			EntityID:   input.EntityID,
			Body:       input.Body.Body,
			Mentions:   input.Body.Mentions,
			ParentID:   input.Body.ParentID,
			Actor:      actor,
			ActorType:  changelog.ActorAPI,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Comment `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/{entity_type}/{entity_id}/comments",
		Summary:     "List comments",
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type" enum:"cards,tasks"`
		EntityID   string `path:"entity_id"`
	}) (*struct {
		Body []domain.Comment `json:"body"`
	}, error) {
		items, err := e.Repo.ListComments(ctx, singular(input.EntityType), input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Comment `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pin-comment",
		Method:      http.MethodPost,
		Path:        "/comments/{comment_id}/pin",
		Summary:     "Pin or unpin a comment",
	}, func(ctx context.Context, input *struct {
		CommentID string `path:"comment_id"`
		Body      struct {
			Pinned bool `json:"pinned"`
		} `json:"body"`
	}) (*struct {
		Body domain.Comment `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.PinComment(ctx, input.CommentID, input.Body.Pinned)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Comment `json:"body"`
		}{Body: c}, nil
	})
}

func registerAttachments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-attachment",
		Method:        http.MethodPost,
		Path:          "/{entity_type}/{entity_id}/attachments",
		Summary:       "Attach a file or a new version of one",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		EntityType string                  `path:"entity_type" enum:"cards,tasks"`
		EntityID   string                  `path:"entity_id"`
		Body       CreateAttachmentRequest `json:"body"`
	}) (*struct {
		Body domain.Attachment `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AddAttachment(ctx, engine.AttachmentCreateOptions{
			EntityType: singular(input.EntityType),
			EntityID:   input.EntityID,
			FileName:   input.Body.FileName,
			FileURL:    input.Body.FileURL,
			SizeBytes:  input.Body.SizeBytes,
			MimeType:   input.Body.MimeType,
			ParentID:   input.Body.ParentID,
			Actor:      actor,
			ActorType:  changelog.ActorAPI,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Attachment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attachments",
		Method:      http.MethodGet,
		Path:        "/{entity_type}/{entity_id}/attachments",
		Summary:     "List attachments with version chains",
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type" enum:"cards,tasks"`
		EntityID   string `path:"entity_id"`
	}) (*struct {
		Body []domain.Attachment `json:"body"`
	}, error) {
		items, err := e.Repo.ListAttachments(ctx, singular(input.EntityType), input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Attachment `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "supersede-attachment",
		Method:      http.MethodPost,
		Path:        "/attachments/{attachment_id}/supersede",
		Summary:     "Retire an attachment version",
	}, func(ctx context.Context, input *struct {
		AttachmentID string `path:"attachment_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SupersedeAttachment(ctx, input.AttachmentID, actor, changelog.ActorAPI); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// singular maps the URL collection segment onto the stored entity type.
func singular(entityType string) string {
	switch entityType {
	case "cards":
		return "card"
	case "tasks":
		return "task"
	default:
		return entityType
	}
}
