package automation_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dealdesk/internal/automation"
	"dealdesk/internal/bus"
	"dealdesk/internal/config"
	"dealdesk/internal/db"
	"dealdesk/internal/dispatch"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/migrate"
	"dealdesk/internal/repo"
)

type testStack struct {
	Engine   engine.Engine
	Runner   *automation.Runner
	Pipeline domain.Pipeline
	Ctx      context.Context
	clock    *time.Time
}

// newTestStack wires the full loop the daemon runs: engine events on the bus
// feed the automation runner, whose dispatchers call back into the engine.
func newTestStack(t *testing.T, extra ...dispatch.Dispatcher) testStack {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	b := bus.New()
	eng := engine.New(conn, cfg, b)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }

	reg := dispatch.NewRegistry()
	reg.Register(&dispatch.CreateTaskDispatcher{Engine: eng})
	reg.Register(&dispatch.ReassignOwnerDispatcher{Engine: eng})
	reg.Register(&dispatch.ChangeStageDispatcher{Engine: eng})
	reg.Register(&dispatch.AddTagDispatcher{Engine: eng})
	for _, d := range extra {
		reg.Register(d)
	}

	runner := automation.NewRunner(eng.Repo, reg, cfg, nil)
	runner.Now = func() time.Time { return now }
	b.SubscribeAll(runner.HandleEvent)

	ctx := context.Background()
	p, err := eng.CreatePipeline(ctx, engine.PipelineCreateOptions{
		Name:      cfg.Board.DefaultPipeline,
		Stages:    cfg.Board.Stages,
		IsDefault: true,
		Actor:     "tester",
	})
	require.NoError(t, err)
	return testStack{Engine: eng, Runner: runner, Pipeline: p, Ctx: ctx, clock: &now}
}

func (s testStack) advance(d time.Duration) {
	*s.clock = s.clock.Add(d)
}

func (s testStack) createCard(t *testing.T, title string) domain.Card {
	t.Helper()
	c, err := s.Engine.CreateCard(s.Ctx, engine.CardCreateOptions{
		PipelineID: s.Pipeline.ID,
		Title:      title,
		Actor:      "tester",
	})
	require.NoError(t, err)
	return c
}

func (s testStack) createRule(t *testing.T, name, triggerType, triggerConfig, actions string) domain.Automation {
	t.Helper()
	a, err := s.Runner.Create(s.Ctx, automation.CreateOptions{
		Name:          name,
		TriggerType:   triggerType,
		TriggerConfig: triggerConfig,
		Actions:       actions,
		Actor:         "tester",
	})
	require.NoError(t, err)
	return a
}

func (s testStack) moveTo(t *testing.T, cardID, stage string) domain.Card {
	t.Helper()
	card, err := s.Engine.Repo.GetCard(s.Ctx, cardID)
	require.NoError(t, err)
	moved, err := s.Engine.MoveCard(s.Ctx, engine.MoveCardOptions{
		CardID:      cardID,
		TargetStage: stage,
		TargetIndex: -1,
		BaseVersion: card.Version,
		Actor:       "tester",
	})
	require.NoError(t, err)
	return moved
}

// failingDispatcher always errors, for exercising the failed-execution path.
type failingDispatcher struct{}

func (failingDispatcher) Type() string { return "always_fail" }
func (failingDispatcher) Execute(ctx context.Context, cfg json.RawMessage, evt domain.Event, automationID string) error {
	return errors.New("smtp unreachable")
}

func TestStageEnteredCreatesTask(t *testing.T) {
	s := newTestStack(t)
	rule := s.createRule(t, "qualify follow-up", automation.TriggerStageEntered,
		`{"stage":"qualifying"}`,
		`[{"type":"create_task","config":{"title":"Follow up on {{card.title}}","due_in_hours":24}}]`)
	card := s.createCard(t, "Acme deal")

	s.moveTo(t, card.ID, "qualifying")

	tasks, err := s.Engine.Repo.ListTasks(s.Ctx, repo.TaskFilters{CardID: card.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "Follow up on Acme deal", tasks[0].Title)
	require.NotNil(t, tasks[0].DueAt)
	require.Equal(t, "2024-01-02T00:00:00Z", *tasks[0].DueAt, "due date follows the engine clock")

	got, err := s.Engine.Repo.GetAutomation(s.Ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.ExecutionCount)
	execs, err := s.Engine.Repo.ListExecutions(s.Ctx, rule.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, "success", execs[0].Status)

	// Moving to an unmatched stage does not fire.
	s.moveTo(t, card.ID, "proposal")
	got, err = s.Engine.Repo.GetAutomation(s.Ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.ExecutionCount)
}

func TestFieldChangedCondition(t *testing.T) {
	s := newTestStack(t)
	rule := s.createRule(t, "flag hot deals", automation.TriggerFieldChanged,
		`{"field":"priority","condition":"new == \"alta\""}`,
		`[{"type":"add_tag","config":{"tag":"hot"}}]`)
	card := s.createCard(t, "Acme deal")

	_, err := s.Engine.UpdateCardField(s.Ctx, engine.FieldUpdateOptions{
		CardID: card.ID, Field: "priority", Value: "media", Actor: "tester",
	})
	require.NoError(t, err)
	got, err := s.Engine.Repo.GetCard(s.Ctx, card.ID)
	require.NoError(t, err)
	require.Empty(t, got.Tags, "condition must gate the action")

	_, err = s.Engine.UpdateCardField(s.Ctx, engine.FieldUpdateOptions{
		CardID: got.ID, Field: "priority", Value: "alta", Actor: "tester",
	})
	require.NoError(t, err)
	got, err = s.Engine.Repo.GetCard(s.Ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"hot"}, got.Tags)

	a, err := s.Engine.Repo.GetAutomation(s.Ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.ExecutionCount)
}

func TestFieldChangedValuePredicates(t *testing.T) {
	s := newTestStack(t)
	s.createRule(t, "hot deal follow-up", automation.TriggerFieldChanged,
		`{"field":"priority","new":"alta"}`,
		`[{"type":"create_task","config":{"title":"Ligar em 1h","due_in_hours":1}}]`)
	card := s.createCard(t, "Acme deal")

	_, err := s.Engine.UpdateCardField(s.Ctx, engine.FieldUpdateOptions{
		CardID: card.ID, Field: "priority", Value: "media", Actor: "tester",
	})
	require.NoError(t, err)
	tasks, err := s.Engine.Repo.ListTasks(s.Ctx, repo.TaskFilters{CardID: card.ID})
	require.NoError(t, err)
	require.Empty(t, tasks, "new-value predicate must gate the action")

	_, err = s.Engine.UpdateCardField(s.Ctx, engine.FieldUpdateOptions{
		CardID: card.ID, Field: "priority", Value: "alta", Actor: "tester",
	})
	require.NoError(t, err)
	tasks, err = s.Engine.Repo.ListTasks(s.Ctx, repo.TaskFilters{CardID: card.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "Ligar em 1h", tasks[0].Title)

	// Old-value predicate: only fires on the alta -> media transition.
	other := s.createCard(t, "Beta deal")
	s.createRule(t, "cooled down", automation.TriggerFieldChanged,
		`{"field":"priority","old":"alta","new":"media"}`,
		`[{"type":"add_tag","config":{"tag":"cooled"}}]`)
	_, err = s.Engine.UpdateCardField(s.Ctx, engine.FieldUpdateOptions{
		CardID: other.ID, Field: "priority", Value: "media", Actor: "tester",
	})
	require.NoError(t, err)
	got, err := s.Engine.Repo.GetCard(s.Ctx, other.ID)
	require.NoError(t, err)
	require.Empty(t, got.Tags, "old-value predicate must gate the action")

	_, err = s.Engine.UpdateCardField(s.Ctx, engine.FieldUpdateOptions{
		CardID: card.ID, Field: "priority", Value: "media", Actor: "tester",
	})
	require.NoError(t, err)
	got, err = s.Engine.Repo.GetCard(s.Ctx, card.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"cooled"}, got.Tags)
}

func TestPriorityEscalationCreatesExactlyOneTask(t *testing.T) {
	s := newTestStack(t)
	s.createRule(t, "escalate hot deals", automation.TriggerFieldChanged,
		`{"field":"priority","condition":"new == \"alta\""}`,
		`[{"type":"create_task","config":{"title":"Escalate {{card.title}}"}}]`)
	card := s.createCard(t, "Acme deal")

	_, err := s.Engine.UpdateCardField(s.Ctx, engine.FieldUpdateOptions{
		CardID: card.ID, Field: "priority", Value: "alta", Actor: "tester",
	})
	require.NoError(t, err)
	// Redundant set of the same value is a no-op and must not fire again.
	_, err = s.Engine.UpdateCardField(s.Ctx, engine.FieldUpdateOptions{
		CardID: card.ID, Field: "priority", Value: "alta", Actor: "tester",
	})
	require.NoError(t, err)

	tasks, err := s.Engine.Repo.ListTasks(s.Ctx, repo.TaskFilters{CardID: card.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "Escalate Acme deal", tasks[0].Title)
}

func TestExecutionCountedWhenAllActionsFail(t *testing.T) {
	s := newTestStack(t, failingDispatcher{})
	rule := s.createRule(t, "doomed notify", automation.TriggerCardCreated,
		`{}`,
		`[{"type":"always_fail","config":{}},{"type":"always_fail","config":{}}]`)

	s.createCard(t, "Acme deal")

	a, err := s.Engine.Repo.GetAutomation(s.Ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.ExecutionCount, "a run with failing actions still counts once")

	execs, err := s.Engine.Repo.ListExecutions(s.Ctx, rule.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, "failed", execs[0].Status)
	require.NotNil(t, execs[0].ErrorMessage)
	require.Contains(t, *execs[0].ErrorMessage, "always_fail[0]")
	require.Contains(t, *execs[0].ErrorMessage, "always_fail[1]")
}

func TestChainDepthGuard(t *testing.T) {
	s := newTestStack(t)
	// Two rules that bounce a card between stages forever.
	a := s.createRule(t, "ping", automation.TriggerStageEntered,
		`{"stage":"qualifying"}`,
		`[{"type":"change_stage","config":{"stage":"proposal"}}]`)
	b := s.createRule(t, "pong", automation.TriggerStageEntered,
		`{"stage":"proposal"}`,
		`[{"type":"change_stage","config":{"stage":"qualifying"}}]`)
	card := s.createCard(t, "Acme deal")

	s.moveTo(t, card.ID, "qualifying")

	var stops int
	for _, id := range []string{a.ID, b.ID} {
		execs, err := s.Engine.Repo.ListExecutions(s.Ctx, id, 50)
		require.NoError(t, err)
		for _, e := range execs {
			if e.ErrorMessage == nil || !strings.Contains(*e.ErrorMessage, "ChainDepthExceeded") {
				continue
			}
			require.Equal(t, "failed", e.Status)
			stops++
		}
	}
	require.Equal(t, 1, stops, "the over-limit hop is recorded exactly once")

	got, err := s.Engine.Repo.GetCard(s.Ctx, card.ID)
	require.NoError(t, err)
	// Depth limit 5 cuts the ping-pong after five automation hops.
	require.Less(t, got.Version, int64(10), "chain must terminate")
}

func TestSweepFiresOncePerBasis(t *testing.T) {
	s := newTestStack(t)
	rule := s.createRule(t, "stale in new", automation.TriggerTimeElapsed,
		`{"stage":"new","hours":24}`,
		`[{"type":"add_tag","config":{"tag":"stale"}}]`)
	card := s.createCard(t, "Acme deal")
	sweeper := automation.NewSweeper(s.Runner)

	// Not old enough yet.
	s.advance(time.Hour)
	require.NoError(t, sweeper.SweepOnce(s.Ctx))
	a, err := s.Engine.Repo.GetAutomation(s.Ctx, rule.ID)
	require.NoError(t, err)
	require.Zero(t, a.ExecutionCount)

	// Past the threshold: fires once, and only once across repeated sweeps.
	s.advance(25 * time.Hour)
	require.NoError(t, sweeper.SweepOnce(s.Ctx))
	require.NoError(t, sweeper.SweepOnce(s.Ctx))
	a, err = s.Engine.Repo.GetAutomation(s.Ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.ExecutionCount)

	// Leaving and re-entering the stage resets the basis and re-arms the rule.
	s.moveTo(t, card.ID, "qualifying")
	s.advance(time.Hour)
	s.moveTo(t, card.ID, "new")
	s.advance(25 * time.Hour)
	require.NoError(t, sweeper.SweepOnce(s.Ctx))
	a, err = s.Engine.Repo.GetAutomation(s.Ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), a.ExecutionCount)
}

func TestToggleInvalidatesCache(t *testing.T) {
	s := newTestStack(t)
	rule := s.createRule(t, "tag everything", automation.TriggerCardCreated,
		`{}`,
		`[{"type":"add_tag","config":{"tag":"seen"}}]`)

	s.createCard(t, "first")
	_, err := s.Runner.SetActive(s.Ctx, rule.ID, false)
	require.NoError(t, err)
	s.createCard(t, "second")
	_, err = s.Runner.SetActive(s.Ctx, rule.ID, true)
	require.NoError(t, err)
	s.createCard(t, "third")

	a, err := s.Engine.Repo.GetAutomation(s.Ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), a.ExecutionCount)
}

func TestCreateValidation(t *testing.T) {
	s := newTestStack(t)
	_, err := s.Runner.Create(s.Ctx, automation.CreateOptions{
		Name:        "bad trigger",
		TriggerType: "card_deleted",
		Actions:     `[{"type":"add_tag","config":{"tag":"x"}}]`,
	})
	require.Error(t, err)

	_, err = s.Runner.Create(s.Ctx, automation.CreateOptions{
		Name:          "no hours",
		TriggerType:   automation.TriggerTimeElapsed,
		TriggerConfig: `{"stage":"new"}`,
		Actions:       `[{"type":"add_tag","config":{"tag":"x"}}]`,
	})
	require.ErrorContains(t, err, "hours")

	_, err = s.Runner.Create(s.Ctx, automation.CreateOptions{
		Name:        "unknown action",
		TriggerType: automation.TriggerCardCreated,
		Actions:     `[{"type":"launch_rocket","config":{}}]`,
	})
	require.ErrorContains(t, err, "launch_rocket")

	_, err = s.Runner.Create(s.Ctx, automation.CreateOptions{
		Name:        "empty actions",
		TriggerType: automation.TriggerCardCreated,
		Actions:     `[]`,
	})
	require.Error(t, err)
}
