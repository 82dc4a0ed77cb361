package app

import (
	"context"
	"errors"
	"fmt"

	"dealdesk/internal/changelog"
	"dealdesk/internal/config"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/repo"
)

// ResolvePipeline ensures the board has a usable pipeline and returns it.
// An explicit override must exist; otherwise the default pipeline is used,
// seeded from config on first run.
func ResolvePipeline(ctx context.Context, e engine.Engine, pipelineOverride, actor string) (domain.Pipeline, error) {
	if pipelineOverride != "" {
		p, err := e.Repo.GetPipeline(ctx, pipelineOverride)
		if err != nil {
			return domain.Pipeline{}, fmt.Errorf("pipeline %s: %w", pipelineOverride, err)
		}
		return p, nil
	}
	p, err := e.Repo.GetDefaultPipeline(ctx)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Pipeline{}, err
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if actor == "" {
		actor = "local-user"
	}
	p, err = e.CreatePipeline(ctx, engine.PipelineCreateOptions{
		Name:      cfg.Board.DefaultPipeline,
		Stages:    cfg.Board.Stages,
		IsDefault: true,
		Actor:     actor,
		ActorType: changelog.ActorSystem,
	})
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("seed default pipeline: %w", err)
	}
	return p, nil
}
