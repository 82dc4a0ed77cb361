package engine

import (
	"context"
	"database/sql"
	"fmt"

	"dealdesk/internal/domain"
)

// MoveCardOptions are parameters for moving a card between or within columns.
// TargetIndex is the desired slot in the destination column; -1 appends.
// BaseVersion is the version the caller last read; zero means "whatever the
// store holds now", which forfeits lost-update protection and is meant for
// the CLI only.
type MoveCardOptions struct {
	CardID      string
	TargetStage string
	TargetIndex int
	BaseVersion int64
	Actor       string
	ActorType   string

	// Set when an automation action caused the move.
	Depth            int
	SourceAutomation string
}

func (e Engine) MoveCard(ctx context.Context, opts MoveCardOptions) (domain.Card, error) {
	if opts.CardID == "" {
		return domain.Card{}, fmt.Errorf("card id is required")
	}
	card, err := e.Repo.GetCard(ctx, opts.CardID)
	if err != nil {
		return domain.Card{}, err
	}
	p, err := e.Repo.GetPipeline(ctx, card.PipelineID)
	if err != nil {
		return domain.Card{}, err
	}
	target := opts.TargetStage
	if target == "" {
		target = card.StageSlug
	}
	if _, ok := p.StageBySlug(target); !ok {
		return domain.Card{}, InvalidTransitionError{CardID: card.ID, PipelineID: p.ID, StageSlug: target}
	}
	base := opts.BaseVersion
	if base == 0 {
		base = card.Version
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	// Re-read inside the transaction so index math works on current state.
	card, err = e.Repo.GetCardTx(ctx, tx, opts.CardID)
	if err != nil {
		return domain.Card{}, err
	}
	column, err := e.Repo.ListColumnTx(ctx, tx, p.ID, target)
	if err != nil {
		return domain.Card{}, err
	}
	currentIdx := -1
	if target == card.StageSlug {
		others := column[:0:0]
		for i, c := range column {
			if c.ID == card.ID {
				currentIdx = i
				continue
			}
			others = append(others, c)
		}
		column = others
	}
	idx := opts.TargetIndex
	if idx < 0 || idx > len(column) {
		idx = len(column)
	}
	stageChanged := target != card.StageSlug
	if !stageChanged && idx == currentIdx {
		// Same stage, same slot. Nothing happens, not even a version bump.
		return card, nil
	}

	pos, err := e.placeAt(ctx, tx, p.ID, target, column, idx)
	if err != nil {
		return domain.Card{}, err
	}

	ts := e.timestamp()
	oldStage := card.StageSlug
	card.StageSlug = target
	card.Position = pos
	card.UpdatedAt = ts
	if stageChanged {
		card.StageEnteredAt = ts
	}
	card.Version = base + 1
	if err := e.Repo.UpdateCardVersionedTx(ctx, tx, card, base); err != nil {
		return domain.Card{}, err
	}
	if stageChanged {
		if err := e.Changelog.Append(ctx, tx, "card", card.ID, "stage", oldStage, target, opts.Actor, opts.ActorType); err != nil {
			return domain.Card{}, err
		}
		if err := e.notifyOwnerTx(ctx, tx, card, opts.Actor, "card_moved",
			fmt.Sprintf("%s moved to %s", card.Title, target)); err != nil {
			return domain.Card{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}

	if stageChanged {
		e.publish(ctx, domain.Event{
			Kind:             domain.EventStageChanged,
			Card:             card,
			PipelineID:       card.PipelineID,
			StageSlug:        target,
			OldStage:         oldStage,
			Actor:            opts.Actor,
			At:               ts,
			Depth:            opts.Depth,
			SourceAutomation: opts.SourceAutomation,
		})
	}
	return card, nil
}

// placeAt returns a position strictly between the neighbors of slot idx in
// column. When floating-point midpoints run out of room the whole column is
// renormalized to even integer spacing first.
func (e Engine) placeAt(ctx context.Context, tx *sql.Tx, pipelineID, slug string, column []domain.Card, idx int) (float64, error) {
	pos, ok := midpoint(column, idx)
	if ok {
		return pos, nil
	}
	if err := e.renormalizeTx(ctx, tx, column); err != nil {
		return 0, err
	}
	for i := range column {
		column[i].Position = float64(i+1) * positionSpacing
	}
	pos, ok = midpoint(column, idx)
	if !ok {
		return 0, fmt.Errorf("column %s/%s: no room at index %d after renormalization", pipelineID, slug, idx)
	}
	return pos, nil
}

func midpoint(column []domain.Card, idx int) (float64, bool) {
	switch {
	case len(column) == 0:
		return positionSpacing, true
	case idx <= 0:
		half := column[0].Position / 2
		return half, half > 0 && half < column[0].Position
	case idx >= len(column):
		return column[len(column)-1].Position + positionSpacing, true
	default:
		prev, next := column[idx-1].Position, column[idx].Position
		mid := (prev + next) / 2
		return mid, mid > prev && mid < next
	}
}

// renormalizeTx rewrites the column to even integer spacing, preserving
// order. Versions are untouched; position is bookkeeping, not user state.
func (e Engine) renormalizeTx(ctx context.Context, tx *sql.Tx, column []domain.Card) error {
	for i, c := range column {
		if _, err := tx.ExecContext(ctx, `UPDATE cards SET position=? WHERE id=?`,
			float64(i+1)*positionSpacing, c.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) notifyOwnerTx(ctx context.Context, tx *sql.Tx, card domain.Card, actor, kind, message string) error {
	if card.OwnerID == nil || *card.OwnerID == actor {
		return nil
	}
	return e.Repo.InsertNotificationTx(ctx, tx, domain.Notification{
		ID:          newID(),
		RecipientID: *card.OwnerID,
		Kind:        kind,
		Title:       card.Title,
		Message:     message,
		EntityType:  "card",
		EntityID:    card.ID,
		CreatedAt:   e.timestamp(),
	})
}
