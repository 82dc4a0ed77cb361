package dealdesksdk

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"dealdesk/internal/automation"
	"dealdesk/internal/bus"
	"dealdesk/internal/config"
	"dealdesk/internal/db"
	"dealdesk/internal/dispatch"
	"dealdesk/internal/engine"
	"dealdesk/internal/migrate"
	"dealdesk/internal/server"
)

func startAPI(t *testing.T) string {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, bus.New())
	if _, err := e.CreatePipeline(context.Background(), engine.PipelineCreateOptions{
		Name:      cfg.Board.DefaultPipeline,
		Stages:    cfg.Board.Stages,
		IsDefault: true,
		Actor:     "tester",
	}); err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}
	handler, err := server.New(server.Config{
		Engine:   e,
		Runner:   automation.NewRunner(e.Repo, dispatch.NewRegistry(), cfg, nil),
		BasePath: "/v0",
		Auth:     server.AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return "http://" + ln.Addr().String()
}

func TestClientCardFlow(t *testing.T) {
	ctx := context.Background()
	c := New(startAPI(t))
	c.ActorID = "sdk-tester"

	card, err := c.CreateCard(ctx, "Acme deal", map[string]any{"source": "sdk"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	if card.StageSlug != "new" {
		t.Fatalf("stage = %s, want new", card.StageSlug)
	}

	moved, err := c.MoveCard(ctx, card.ID, "qualifying", card.Version)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.StageSlug != "qualifying" || moved.Version != card.Version+1 {
		t.Fatalf("moved = %+v", moved)
	}

	// Stale replay surfaces as an APIError with the conflict status.
	_, err = c.MoveCard(ctx, card.ID, "proposal", card.Version)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("stale move err = %v, want 409 APIError", err)
	}

	task, err := c.CreateTask(ctx, card.ID, "call back")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	done, err := c.CompleteTask(ctx, task.ID)
	if err != nil || done.Status != "done" {
		t.Fatalf("complete = %+v err=%v", done, err)
	}

	entries, err := c.Changelog(ctx, "card", card.ID, 10)
	if err != nil {
		t.Fatalf("changelog: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("no changelog entries for card")
	}
}

func TestClientLeadWebhook(t *testing.T) {
	ctx := context.Background()
	c := New(startAPI(t))

	card, err := c.PostLead(ctx, "Walk-in lead", "lead@example.com", "", "site")
	if err != nil {
		t.Fatalf("post lead: %v", err)
	}
	if card.Title != "Walk-in lead" || card.StageSlug != "new" {
		t.Fatalf("card = %+v", card)
	}
}
