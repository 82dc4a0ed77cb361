package engine_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"dealdesk/internal/bus"
	"dealdesk/internal/config"
	"dealdesk/internal/db"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/migrate"
	"dealdesk/internal/repo"
)

type testEnv struct {
	Engine   engine.Engine
	Pipeline domain.Pipeline
	Events   *[]domain.Event
	Ctx      context.Context
	clock    *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	b := bus.New()
	var events []domain.Event
	b.SubscribeAll(func(ctx context.Context, evt domain.Event) {
		events = append(events, evt)
	})
	eng := engine.New(conn, cfg, b)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	ctx := context.Background()
	p, err := eng.CreatePipeline(ctx, engine.PipelineCreateOptions{
		Name:      cfg.Board.DefaultPipeline,
		Stages:    cfg.Board.Stages,
		IsDefault: true,
		Actor:     "tester",
	})
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	return testEnv{Engine: eng, Pipeline: p, Events: &events, Ctx: ctx, clock: &now}
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env testEnv) createCard(t *testing.T, title string) domain.Card {
	t.Helper()
	c, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{
		PipelineID: env.Pipeline.ID,
		Title:      title,
		Actor:      "tester",
	})
	if err != nil {
		t.Fatalf("create card %s: %v", title, err)
	}
	return c
}

func (env testEnv) changelogCount(t *testing.T, entityID string) int {
	t.Helper()
	entries, err := env.Engine.Repo.ListChangelog(env.Ctx, repo.ChangelogFilters{EntityID: entityID, Limit: 1000})
	if err != nil {
		t.Fatalf("list changelog: %v", err)
	}
	return len(entries)
}

func TestCreateCardLandsInInitialStage(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")
	if c.StageSlug != "new" {
		t.Fatalf("stage = %s, want new", c.StageSlug)
	}
	if c.Version != 1 {
		t.Fatalf("version = %d, want 1", c.Version)
	}
	evts := *env.Events
	if len(evts) != 1 || evts[0].Kind != domain.EventCardCreated {
		t.Fatalf("events = %+v, want one card_created", evts)
	}
}

func TestMoveCardBetweenStages(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")
	env.advance(time.Hour)

	moved, err := env.Engine.MoveCard(env.Ctx, engine.MoveCardOptions{
		CardID:      c.ID,
		TargetStage: "qualifying",
		TargetIndex: -1,
		BaseVersion: c.Version,
		Actor:       "tester",
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.StageSlug != "qualifying" {
		t.Fatalf("stage = %s, want qualifying", moved.StageSlug)
	}
	if moved.Version != c.Version+1 {
		t.Fatalf("version = %d, want %d", moved.Version, c.Version+1)
	}
	if moved.StageEnteredAt == c.StageEnteredAt {
		t.Fatalf("stage_entered_at not updated")
	}
	evts := *env.Events
	last := evts[len(evts)-1]
	if last.Kind != domain.EventStageChanged || last.OldStage != "new" || last.StageSlug != "qualifying" {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestMoveCardUnknownStage(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")
	_, err := env.Engine.MoveCard(env.Ctx, engine.MoveCardOptions{
		CardID:      c.ID,
		TargetStage: "no-such-stage",
		BaseVersion: c.Version,
		Actor:       "tester",
	})
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	got, _ := env.Engine.Repo.GetCard(env.Ctx, c.ID)
	if got.StageSlug != "new" || got.Version != c.Version {
		t.Fatalf("card mutated by rejected move: %+v", got)
	}
}

func TestMoveCardStaleVersion(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")

	if _, err := env.Engine.MoveCard(env.Ctx, engine.MoveCardOptions{
		CardID: c.ID, TargetStage: "qualifying", TargetIndex: -1, BaseVersion: c.Version, Actor: "a",
	}); err != nil {
		t.Fatalf("first move: %v", err)
	}
	// Second writer still holds version 1.
	_, err := env.Engine.MoveCard(env.Ctx, engine.MoveCardOptions{
		CardID: c.ID, TargetStage: "proposal", TargetIndex: -1, BaseVersion: c.Version, Actor: "b",
	})
	if !errors.Is(err, repo.ErrStaleWrite) {
		t.Fatalf("err = %v, want ErrStaleWrite", err)
	}
	got, _ := env.Engine.Repo.GetCard(env.Ctx, c.ID)
	if got.StageSlug != "qualifying" {
		t.Fatalf("stale writer won: stage = %s", got.StageSlug)
	}

	// Retry with the refreshed version succeeds.
	retried, err := env.Engine.MoveCard(env.Ctx, engine.MoveCardOptions{
		CardID: c.ID, TargetStage: "proposal", TargetIndex: -1, BaseVersion: got.Version, Actor: "b",
	})
	if err != nil {
		t.Fatalf("retry after refresh: %v", err)
	}
	if retried.StageSlug != "proposal" {
		t.Fatalf("retry stage = %s", retried.StageSlug)
	}
}

func TestMoveCardNoOp(t *testing.T) {
	env := newTestEnv(t)
	a := env.createCard(t, "a")
	env.createCard(t, "b")
	before := env.changelogCount(t, a.ID)
	eventsBefore := len(*env.Events)

	got, err := env.Engine.MoveCard(env.Ctx, engine.MoveCardOptions{
		CardID: a.ID, TargetStage: "new", TargetIndex: 0, BaseVersion: a.Version, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("no-op move: %v", err)
	}
	if got.Version != a.Version {
		t.Fatalf("no-op bumped version to %d", got.Version)
	}
	if env.changelogCount(t, a.ID) != before {
		t.Fatalf("no-op wrote changelog")
	}
	if len(*env.Events) != eventsBefore {
		t.Fatalf("no-op emitted events")
	}
}

func TestReorderWithinStage(t *testing.T) {
	env := newTestEnv(t)
	a := env.createCard(t, "a")
	b := env.createCard(t, "b")
	c := env.createCard(t, "c")

	moved, err := env.Engine.MoveCard(env.Ctx, engine.MoveCardOptions{
		CardID: c.ID, TargetStage: "new", TargetIndex: 0, BaseVersion: c.Version, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if moved.StageSlug != "new" {
		t.Fatalf("reorder changed stage")
	}
	cards, err := env.Engine.Repo.ListCards(env.Ctx, repo.CardFilters{PipelineID: env.Pipeline.ID, StageSlug: "new"})
	if err != nil {
		t.Fatal(err)
	}
	wantOrder := []string{c.ID, a.ID, b.ID}
	for i, w := range wantOrder {
		if cards[i].ID != w {
			t.Fatalf("order[%d] = %s, want %s", i, cards[i].ID, w)
		}
	}
	// Reorders are positional bookkeeping only: no stage_changed event.
	for _, evt := range *env.Events {
		if evt.Kind == domain.EventStageChanged {
			t.Fatalf("reorder emitted stage_changed")
		}
	}
}

func TestMoveRenormalizesExhaustedColumn(t *testing.T) {
	env := newTestEnv(t)
	a := env.createCard(t, "a")
	b := env.createCard(t, "b")
	c := env.createCard(t, "c")

	// Force adjacent float positions so no midpoint exists between a and b.
	if _, err := env.Engine.DB.Exec(`UPDATE cards SET position=? WHERE id=?`, 1.0, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.Exec(`UPDATE cards SET position=? WHERE id=?`, math.Nextafter(1.0, 2.0), b.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.MoveCard(env.Ctx, engine.MoveCardOptions{
		CardID: c.ID, TargetStage: "new", TargetIndex: 1, BaseVersion: c.Version, Actor: "tester",
	}); err != nil {
		t.Fatalf("move into exhausted gap: %v", err)
	}
	cards, err := env.Engine.Repo.ListCards(env.Ctx, repo.CardFilters{PipelineID: env.Pipeline.ID, StageSlug: "new"})
	if err != nil {
		t.Fatal(err)
	}
	wantOrder := []string{a.ID, c.ID, b.ID}
	for i, w := range wantOrder {
		if cards[i].ID != w {
			t.Fatalf("order[%d] = %s, want %s", i, cards[i].ID, w)
		}
	}
	for i := 1; i < len(cards); i++ {
		gap := cards[i].Position - cards[i-1].Position
		if gap < 1 {
			t.Fatalf("positions not renormalized: gap %f between %s and %s", gap, cards[i-1].ID, cards[i].ID)
		}
	}
}

func TestUpdateCardField(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")

	got, err := env.Engine.UpdateCardField(env.Ctx, engine.FieldUpdateOptions{
		CardID: c.ID, Field: "priority", Value: "alta", BaseVersion: c.Version, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("set priority: %v", err)
	}
	if got.Priority != "alta" || got.Version != c.Version+1 {
		t.Fatalf("card = %+v", got)
	}
	evts := *env.Events
	last := evts[len(evts)-1]
	if last.Kind != domain.EventFieldChanged || last.Field != "priority" || last.NewValue != "alta" {
		t.Fatalf("unexpected event %+v", last)
	}

	// Same value again: no write at all.
	before := env.changelogCount(t, c.ID)
	again, err := env.Engine.UpdateCardField(env.Ctx, engine.FieldUpdateOptions{
		CardID: c.ID, Field: "priority", Value: "alta", Actor: "tester",
	})
	if err != nil {
		t.Fatalf("no-op set: %v", err)
	}
	if again.Version != got.Version {
		t.Fatalf("no-op bumped version")
	}
	if env.changelogCount(t, c.ID) != before {
		t.Fatalf("no-op wrote changelog")
	}
}

func TestUpdateCardFieldValidation(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")
	if _, err := env.Engine.UpdateCardField(env.Ctx, engine.FieldUpdateOptions{
		CardID: c.ID, Field: "priority", Value: "blocker", Actor: "tester",
	}); err == nil {
		t.Fatalf("unknown priority accepted")
	}
	if _, err := env.Engine.UpdateCardField(env.Ctx, engine.FieldUpdateOptions{
		CardID: c.ID, Field: "value", Value: "not-a-number", Actor: "tester",
	}); err == nil {
		t.Fatalf("non-numeric value accepted")
	}
	if _, err := env.Engine.UpdateCardField(env.Ctx, engine.FieldUpdateOptions{
		CardID: c.ID, Field: "version", Value: "7", Actor: "tester",
	}); err == nil {
		t.Fatalf("engine-owned field accepted")
	}
}

func TestCustomFields(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")
	got, err := env.Engine.UpdateCardField(env.Ctx, engine.FieldUpdateOptions{
		CardID: c.ID, Field: "fields.source", Value: "referral", Actor: "tester",
	})
	if err != nil {
		t.Fatalf("set custom field: %v", err)
	}
	if got.FieldsJSON == nil || *got.FieldsJSON != `{"source":"referral"}` {
		t.Fatalf("fields_json = %v", got.FieldsJSON)
	}
	got, err = env.Engine.UpdateCardField(env.Ctx, engine.FieldUpdateOptions{
		CardID: c.ID, Field: "fields.source", Value: "", Actor: "tester",
	})
	if err != nil {
		t.Fatalf("clear custom field: %v", err)
	}
	if got.FieldsJSON != nil {
		t.Fatalf("fields_json not cleared: %v", *got.FieldsJSON)
	}
}

func TestAddCardTagIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")
	got, err := env.Engine.AddCardTag(env.Ctx, c.ID, "hot", "tester", "", 0, "")
	if err != nil {
		t.Fatalf("add tag: %v", err)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "hot" {
		t.Fatalf("tags = %v", got.Tags)
	}
	again, err := env.Engine.AddCardTag(env.Ctx, c.ID, "hot", "tester", "", 0, "")
	if err != nil {
		t.Fatalf("re-add tag: %v", err)
	}
	if again.Version != got.Version {
		t.Fatalf("duplicate tag bumped version")
	}
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		CardID: c.ID, Title: "call back", Actor: "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	done, err := env.Engine.CompleteTask(env.Ctx, task.ID, "tester", "")
	if err != nil || done.Status != "done" || done.CompletedAt == nil {
		t.Fatalf("complete: %+v err=%v", done, err)
	}
	evts := *env.Events
	last := evts[len(evts)-1]
	if last.Kind != domain.EventTaskCompleted || last.TaskID != task.ID {
		t.Fatalf("unexpected event %+v", last)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "tester", ""); err == nil {
		t.Fatalf("double complete accepted")
	}

	reopened, err := env.Engine.ReopenTask(env.Ctx, task.ID, "tester", "")
	if err != nil || reopened.Status != "open" || !reopened.Reopened {
		t.Fatalf("reopen: %+v err=%v", reopened, err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "tester", ""); err != nil {
		t.Fatalf("complete after reopen: %v", err)
	}
	if _, err := env.Engine.ReopenTask(env.Ctx, task.ID, "tester", ""); err == nil {
		t.Fatalf("second reopen accepted")
	}
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		CardID: c.ID, Title: "call back", Actor: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester", "")
	if err != nil || cancelled.Status != "cancelled" {
		t.Fatalf("cancel: %+v err=%v", cancelled, err)
	}
	if _, err := env.Engine.ReopenTask(env.Ctx, task.ID, "tester", ""); err == nil {
		t.Fatalf("reopen of cancelled task accepted")
	}
}

func TestAttachmentVersionChain(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")

	v1, err := env.Engine.AddAttachment(env.Ctx, engine.AttachmentCreateOptions{
		EntityType: "card", EntityID: c.ID, FileName: "quote.pdf", FileURL: "s3://quote-v1", Actor: "tester",
	})
	if err != nil {
		t.Fatalf("v1: %v", err)
	}
	v2, err := env.Engine.AddAttachment(env.Ctx, engine.AttachmentCreateOptions{
		EntityType: "card", EntityID: c.ID, FileName: "quote.pdf", FileURL: "s3://quote-v2",
		ParentID: v1.ID, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("v2: %v", err)
	}
	if v2.Version != 2 || v2.ParentID == nil || *v2.ParentID != v1.ID {
		t.Fatalf("v2 = %+v", v2)
	}
	// Pointing at the stale v1 still chains off the head.
	v3, err := env.Engine.AddAttachment(env.Ctx, engine.AttachmentCreateOptions{
		EntityType: "card", EntityID: c.ID, FileName: "quote.pdf", FileURL: "s3://quote-v3",
		ParentID: v1.ID, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("v3: %v", err)
	}
	if v3.Version != 3 || *v3.ParentID != v2.ID {
		t.Fatalf("v3 = %+v", v3)
	}
	all, err := env.Engine.Repo.ListAttachments(env.Ctx, "card", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	superseded := 0
	for _, a := range all {
		if a.Superseded {
			superseded++
		}
	}
	if superseded != 2 {
		t.Fatalf("superseded = %d, want 2", superseded)
	}
}

func TestCommentsAndMentions(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCard(t, "Acme deal")
	cm, err := env.Engine.AddComment(env.Ctx, engine.CommentCreateOptions{
		EntityType: "card", EntityID: c.ID, Body: "ping @maria", Mentions: []string{"maria"}, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	evts := *env.Events
	last := evts[len(evts)-1]
	if last.Kind != domain.EventCommentAdded || last.CommentID != cm.ID {
		t.Fatalf("unexpected event %+v", last)
	}
	notifs, err := env.Engine.Repo.ListNotifications(env.Ctx, "maria", true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(notifs) != 1 || notifs[0].Kind != "mention" {
		t.Fatalf("notifications = %+v", notifs)
	}
}

func TestUpdatePipelineStagesOccupiedGuard(t *testing.T) {
	env := newTestEnv(t)
	env.createCard(t, "occupies new")
	cfg := config.Default()
	var trimmed []config.StageConfig
	for _, s := range cfg.Board.Stages {
		if s.Slug == "new" {
			continue
		}
		trimmed = append(trimmed, s)
	}
	if _, err := env.Engine.UpdatePipelineStages(env.Ctx, env.Pipeline.ID, trimmed, "tester", ""); err == nil {
		t.Fatalf("removed occupied stage")
	}
}
