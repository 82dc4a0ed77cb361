package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"dealdesk/internal/domain"
	"dealdesk/internal/repo"
)

// Sweeper periodically evaluates time_elapsed automations. A card fires at
// most once per (automation, basis timestamp): re-entering a stage resets
// the basis and arms the rule again.
type Sweeper struct {
	Runner *Runner
	cron   *cron.Cron
}

func NewSweeper(r *Runner) *Sweeper {
	return &Sweeper{Runner: r}
}

// Start schedules sweeps per config. The schedule accepts cron expressions
// and @every intervals.
func (s *Sweeper) Start(ctx context.Context) error {
	schedule := "@every 1m"
	if s.Runner.Config != nil && s.Runner.Config.Automation.SweepSchedule != "" {
		schedule = s.Runner.Config.Automation.SweepSchedule
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		if err := s.SweepOnce(ctx); err != nil {
			s.Runner.Log.Error("automation: sweep", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.Runner.Log.Info("automation: sweeper started", "schedule", schedule)
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// SweepOnce evaluates every active time_elapsed automation against current
// cards. The sweep checks ctx between cards so shutdown is not held up by
// a large board.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	r := s.Runner
	rules, err := r.active(ctx, TriggerTimeElapsed)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	for _, ca := range rules {
		cards, err := r.Repo.ListCards(ctx, repo.CardFilters{
			PipelineID: ca.trigger.PipelineID,
			StageSlug:  ca.trigger.Stage,
		})
		if err != nil {
			return err
		}
		threshold := time.Duration(ca.trigger.Hours * float64(time.Hour))
		for _, card := range cards {
			if err := ctx.Err(); err != nil {
				return err
			}
			basisTS := basisTimestamp(card, ca.trigger.Basis)
			basis, err := time.Parse(time.RFC3339, basisTS)
			if err != nil {
				r.Log.Error("automation: bad card timestamp", "card", card.ID, "ts", basisTS, "err", err)
				continue
			}
			if now.Sub(basis) < threshold {
				continue
			}
			fired, err := r.Repo.MarkFired(ctx, ca.row.ID, card.ID, basisTS, now.Format(time.RFC3339))
			if err != nil {
				return err
			}
			if !fired {
				continue
			}
			r.run(ctx, ca, domain.Event{
				Kind:       domain.EventTimeElapsed,
				Card:       card,
				PipelineID: card.PipelineID,
				StageSlug:  card.StageSlug,
				Actor:      "sweeper",
				At:         now.Format(time.RFC3339),
			})
		}
	}
	return nil
}

// basisTimestamp picks the card timestamp the elapsed threshold is measured
// from. Default is time in the current stage.
func basisTimestamp(card domain.Card, basis string) string {
	switch basis {
	case "created":
		return card.CreatedAt
	case "updated":
		return card.UpdatedAt
	default:
		return card.StageEnteredAt
	}
}
