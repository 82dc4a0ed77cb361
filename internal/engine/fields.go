package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"dealdesk/internal/domain"
)

// FieldUpdateOptions are parameters for setting one tracked card field.
// Field is one of title, owner_id, value, priority, tags, or fields.<name>
// for a custom field. Value is the new value rendered as a string; empty
// clears the field where the field is optional.
type FieldUpdateOptions struct {
	CardID      string
	Field       string
	Value       string
	BaseVersion int64
	Actor       string
	ActorType   string

	Depth            int
	SourceAutomation string
}

func (e Engine) UpdateCardField(ctx context.Context, opts FieldUpdateOptions) (domain.Card, error) {
	if opts.Field == "" {
		return domain.Card{}, fmt.Errorf("field is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	card, err := e.Repo.GetCardTx(ctx, tx, opts.CardID)
	if err != nil {
		return domain.Card{}, err
	}
	base := opts.BaseVersion
	if base == 0 {
		base = card.Version
	}
	oldValue, newValue, err := applyField(&card, opts.Field, opts.Value)
	if err != nil {
		return domain.Card{}, err
	}
	if oldValue == newValue {
		// Unchanged. No write, no changelog, no event.
		return card, nil
	}
	ts := e.timestamp()
	card.UpdatedAt = ts
	card.Version = base + 1
	if err := e.Repo.UpdateCardVersionedTx(ctx, tx, card, base); err != nil {
		return domain.Card{}, err
	}
	if err := e.Changelog.Append(ctx, tx, "card", card.ID, opts.Field, oldValue, newValue, opts.Actor, opts.ActorType); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}

	e.publish(ctx, domain.Event{
		Kind:             domain.EventFieldChanged,
		Card:             card,
		PipelineID:       card.PipelineID,
		StageSlug:        card.StageSlug,
		Field:            opts.Field,
		OldValue:         oldValue,
		NewValue:         newValue,
		Actor:            opts.Actor,
		At:               ts,
		Depth:            opts.Depth,
		SourceAutomation: opts.SourceAutomation,
	})
	return card, nil
}

// applyField mutates card in place and returns the previous and new values
// rendered the same way, so callers can compare them for no-op detection.
func applyField(card *domain.Card, field, value string) (oldValue, newValue string, err error) {
	switch field {
	case "title":
		if value == "" {
			return "", "", fmt.Errorf("title cannot be empty")
		}
		old := card.Title
		card.Title = value
		return old, value, nil
	case "owner_id":
		old := derefStr(card.OwnerID)
		card.OwnerID = strPtr(value)
		return old, value, nil
	case "priority":
		if value != "" && !domain.ValidPriority(value) {
			return "", "", fmt.Errorf("unknown priority %q", value)
		}
		old := card.Priority
		card.Priority = value
		return old, value, nil
	case "value":
		old := ""
		if card.Value != nil {
			old = strconv.FormatFloat(*card.Value, 'f', -1, 64)
		}
		if value == "" {
			card.Value = nil
			return old, "", nil
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", "", fmt.Errorf("value must be numeric: %w", err)
		}
		card.Value = &f
		return old, strconv.FormatFloat(f, 'f', -1, 64), nil
	case "tags":
		old := strings.Join(card.Tags, ",")
		tags, err := parseTags(value)
		if err != nil {
			return "", "", err
		}
		card.Tags = tags
		return old, strings.Join(tags, ","), nil
	default:
		if name, ok := strings.CutPrefix(field, "fields."); ok {
			return applyCustomField(card, name, value)
		}
		return "", "", fmt.Errorf("field %s is not settable", field)
	}
}

func applyCustomField(card *domain.Card, name, value string) (string, string, error) {
	fields := map[string]any{}
	if card.FieldsJSON != nil && *card.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(*card.FieldsJSON), &fields); err != nil {
			return "", "", fmt.Errorf("card %s custom fields: %w", card.ID, err)
		}
	}
	old := ""
	if v, ok := fields[name]; ok {
		old = fmt.Sprint(v)
	}
	if value == "" {
		delete(fields, name)
	} else {
		fields[name] = value
	}
	if len(fields) == 0 {
		card.FieldsJSON = nil
		return old, value, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", "", err
	}
	s := string(b)
	card.FieldsJSON = &s
	return old, value, nil
}

func parseTags(value string) ([]string, error) {
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "[") {
		var tags []string
		if err := json.Unmarshal([]byte(value), &tags); err != nil {
			return nil, fmt.Errorf("tags: %w", err)
		}
		return tags, nil
	}
	var tags []string
	for _, t := range strings.Split(value, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags, nil
}

// AddCardTag appends one tag if the card does not already carry it.
func (e Engine) AddCardTag(ctx context.Context, cardID, tag, actor, actorType string, depth int, sourceAutomation string) (domain.Card, error) {
	if tag == "" {
		return domain.Card{}, fmt.Errorf("tag is required")
	}
	card, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	for _, t := range card.Tags {
		if t == tag {
			return card, nil
		}
	}
	return e.UpdateCardField(ctx, FieldUpdateOptions{
		CardID:           cardID,
		Field:            "tags",
		Value:            strings.Join(append(card.Tags, tag), ","),
		Actor:            actor,
		ActorType:        actorType,
		Depth:            depth,
		SourceAutomation: sourceAutomation,
	})
}

func derefStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
