package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dealdesk/internal/bus"
	"dealdesk/internal/changelog"
	"dealdesk/internal/config"
	"dealdesk/internal/domain"
	"dealdesk/internal/repo"
)

// Cards within a column are spaced this far apart after a renormalization,
// and new cards land this far past the current tail.
const positionSpacing = 1024.0

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Changelog changelog.Writer
	Bus       *bus.Bus
	Config    *config.Config
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, b *bus.Bus) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Changelog: changelog.Writer{DB: db},
		Bus:       b,
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// publish delivers an event after the producing transaction committed.
func (e Engine) publish(ctx context.Context, evt domain.Event) {
	if e.Bus != nil {
		e.Bus.Publish(ctx, evt)
	}
}

// PipelineCreateOptions are parameters for creating a pipeline.
type PipelineCreateOptions struct {
	ID        string
	Name      string
	Stages    []config.StageConfig
	IsDefault bool
	Actor     string
	ActorType string
}

func (e Engine) CreatePipeline(ctx context.Context, opts PipelineCreateOptions) (domain.Pipeline, error) {
	if opts.Name == "" {
		return domain.Pipeline{}, errors.New("name is required")
	}
	stages, err := stagesFromConfig(opts.Stages)
	if err != nil {
		return domain.Pipeline{}, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	for i := range stages {
		stages[i].PipelineID = opts.ID
	}
	ts := e.timestamp()
	p := domain.Pipeline{
		ID:        opts.ID,
		Name:      opts.Name,
		IsDefault: opts.IsDefault,
		IsActive:  true,
		Stages:    stages,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pipeline{}, err
	}
	defer tx.Rollback()

	if p.IsDefault {
		if err := e.Repo.ClearDefaultPipelineTx(ctx, tx); err != nil {
			return domain.Pipeline{}, err
		}
	}
	if err := e.Repo.InsertPipelineTx(ctx, tx, p); err != nil {
		return domain.Pipeline{}, fmt.Errorf("insert pipeline: %w", err)
	}
	if err := e.Changelog.Append(ctx, tx, "pipeline", p.ID, "created", "", p.Name, opts.Actor, opts.ActorType); err != nil {
		return domain.Pipeline{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

// UpdatePipelineStages replaces a pipeline's stage list. A stage that still
// holds cards cannot be removed.
func (e Engine) UpdatePipelineStages(ctx context.Context, pipelineID string, stageCfgs []config.StageConfig, actor, actorType string) (domain.Pipeline, error) {
	p, err := e.Repo.GetPipeline(ctx, pipelineID)
	if err != nil {
		return domain.Pipeline{}, err
	}
	stages, err := stagesFromConfig(stageCfgs)
	if err != nil {
		return domain.Pipeline{}, err
	}
	keep := map[string]bool{}
	for i := range stages {
		stages[i].PipelineID = p.ID
		keep[stages[i].Slug] = true
	}
	for _, old := range p.Stages {
		if keep[old.Slug] {
			continue
		}
		n, err := e.Repo.CountCardsInStage(ctx, p.ID, old.Slug)
		if err != nil {
			return domain.Pipeline{}, err
		}
		if n > 0 {
			return domain.Pipeline{}, fmt.Errorf("stage %s still holds %d cards and cannot be removed", old.Slug, n)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pipeline{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceStagesTx(ctx, tx, p.ID, stages); err != nil {
		return domain.Pipeline{}, err
	}
	ts := e.timestamp()
	if _, err := tx.ExecContext(ctx, `UPDATE pipelines SET updated_at=? WHERE id=?`, ts, p.ID); err != nil {
		return domain.Pipeline{}, err
	}
	if err := e.Changelog.Append(ctx, tx, "pipeline", p.ID, "stages", fmt.Sprint(len(p.Stages)), fmt.Sprint(len(stages)), actor, actorType); err != nil {
		return domain.Pipeline{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pipeline{}, err
	}
	p.Stages = stages
	p.UpdatedAt = ts
	return p, nil
}

func stagesFromConfig(cfgs []config.StageConfig) ([]domain.Stage, error) {
	if len(cfgs) < 2 {
		return nil, errors.New("a pipeline needs at least two stages")
	}
	seen := map[string]bool{}
	initials := 0
	stages := make([]domain.Stage, 0, len(cfgs))
	for i, sc := range cfgs {
		if sc.Slug == "" {
			return nil, fmt.Errorf("stage %d has no slug", i)
		}
		if seen[sc.Slug] {
			return nil, fmt.Errorf("duplicate stage slug %s", sc.Slug)
		}
		seen[sc.Slug] = true
		if sc.Initial {
			initials++
		}
		name := sc.Name
		if name == "" {
			name = sc.Slug
		}
		stages = append(stages, domain.Stage{
			Slug:        sc.Slug,
			Name:        name,
			Position:    i,
			IsInitial:   sc.Initial,
			IsTerminal:  sc.Terminal,
			Probability: sc.Probability,
		})
	}
	if initials > 1 {
		return nil, errors.New("at most one stage may be initial")
	}
	if initials == 0 {
		stages[0].IsInitial = true
	}
	return stages, nil
}

// CardCreateOptions are parameters for creating a card. Zero PipelineID means
// the default pipeline; zero StageSlug means the pipeline's initial stage.
type CardCreateOptions struct {
	ID         string
	PipelineID string
	StageSlug  string
	Title      string
	OwnerID    string
	Value      *float64
	Priority   string
	Tags       []string
	FieldsJSON string
	Actor      string
	ActorType  string

	// Set when an automation action created the card.
	Depth            int
	SourceAutomation string
}

func (e Engine) CreateCard(ctx context.Context, opts CardCreateOptions) (domain.Card, error) {
	if opts.Title == "" {
		return domain.Card{}, errors.New("title is required")
	}
	if opts.Priority != "" && !domain.ValidPriority(opts.Priority) {
		return domain.Card{}, fmt.Errorf("unknown priority %q", opts.Priority)
	}
	var p domain.Pipeline
	var err error
	if opts.PipelineID == "" {
		p, err = e.Repo.GetDefaultPipeline(ctx)
	} else {
		p, err = e.Repo.GetPipeline(ctx, opts.PipelineID)
	}
	if err != nil {
		return domain.Card{}, err
	}
	var stage domain.Stage
	if opts.StageSlug == "" {
		var ok bool
		stage, ok = p.InitialStage()
		if !ok {
			return domain.Card{}, fmt.Errorf("pipeline %s has no stages", p.ID)
		}
	} else {
		var ok bool
		stage, ok = p.StageBySlug(opts.StageSlug)
		if !ok {
			return domain.Card{}, InvalidTransitionError{PipelineID: p.ID, StageSlug: opts.StageSlug}
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	ts := e.timestamp()
	c := domain.Card{
		ID:             opts.ID,
		PipelineID:     p.ID,
		StageSlug:      stage.Slug,
		OwnerID:        strPtr(opts.OwnerID),
		Title:          opts.Title,
		Value:          opts.Value,
		Priority:       opts.Priority,
		Tags:           opts.Tags,
		FieldsJSON:     strPtr(opts.FieldsJSON),
		Version:        1,
		StageEnteredAt: ts,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	// New cards land after the current tail of the column.
	column, err := e.Repo.ListColumnTx(ctx, tx, p.ID, stage.Slug)
	if err != nil {
		return domain.Card{}, err
	}
	c.Position = positionSpacing
	if len(column) > 0 {
		c.Position = column[len(column)-1].Position + positionSpacing
	}
	if err := e.Repo.InsertCardTx(ctx, tx, c); err != nil {
		return domain.Card{}, fmt.Errorf("insert card: %w", err)
	}
	if err := e.Changelog.Append(ctx, tx, "card", c.ID, "created", "", c.Title, opts.Actor, opts.ActorType); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}

	e.publish(ctx, domain.Event{
		Kind:             domain.EventCardCreated,
		Card:             c,
		PipelineID:       c.PipelineID,
		StageSlug:        c.StageSlug,
		Actor:            opts.Actor,
		At:               ts,
		Depth:            opts.Depth,
		SourceAutomation: opts.SourceAutomation,
	})
	return c, nil
}

func newID() string {
	return uuid.NewString()
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
