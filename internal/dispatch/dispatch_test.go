package dispatch_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealdesk/internal/dispatch"
	"dealdesk/internal/domain"
)

func testEvent() domain.Event {
	owner := "maria"
	return domain.Event{
		Kind:      domain.EventStageChanged,
		Card:      domain.Card{ID: "c-1", Title: "Acme deal", StageSlug: "proposal", Priority: "alta", OwnerID: &owner},
		StageSlug: "proposal",
		OldStage:  "qualifying",
		Actor:     "tester",
	}
}

func TestExpand(t *testing.T) {
	evt := testEvent()
	got := dispatch.Expand("{{card.title}} moved {{old_stage}} -> {{stage}} by {{actor}}", evt)
	assert.Equal(t, "Acme deal moved qualifying -> proposal by tester", got)
	assert.Equal(t, "no placeholders", dispatch.Expand("no placeholders", evt))
	assert.Equal(t, "maria", dispatch.Expand("{{card.owner}}", evt))
}

func TestParseActions(t *testing.T) {
	actions, err := dispatch.ParseActions(`[{"type":"add_tag","config":{"tag":"hot"}}]`)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "add_tag", actions[0].Type)

	_, err = dispatch.ParseActions(`[]`)
	assert.Error(t, err)
	_, err = dispatch.ParseActions(`[{"config":{}}]`)
	assert.Error(t, err)
	_, err = dispatch.ParseActions(`not json`)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register(&dispatch.WhatsAppDispatcher{})
	d, err := reg.Get("send_whatsapp")
	require.NoError(t, err)
	assert.Equal(t, "send_whatsapp", d.Type())
	_, err = reg.Get("send_fax")
	assert.ErrorContains(t, err, "send_fax")
}

func TestEmailDispatcher(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	d := &dispatch.EmailDispatcher{
		Host: "mail.example.com",
		From: "crm@example.com",
		Send: func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
			return nil
		},
	}
	cfg := json.RawMessage(`{"to":"{{card.owner}}@example.com","subject":"Deal {{card.title}}","body":"now in {{stage}}"}`)
	require.NoError(t, d.Execute(context.Background(), cfg, testEvent(), "auto-1"))

	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "crm@example.com", gotFrom)
	assert.Equal(t, []string{"maria@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Deal Acme deal")
	assert.Contains(t, string(gotMsg), "now in proposal")

	err := d.Execute(context.Background(), json.RawMessage(`{"subject":"x"}`), testEvent(), "auto-1")
	assert.ErrorContains(t, err, "no recipient")
}

func TestWhatsAppDispatcher(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &dispatch.WhatsAppDispatcher{APIURL: srv.URL, Token: "secret", Client: srv.Client()}
	cfg := json.RawMessage(`{"to":"+5511999990000","message":"{{card.title}} is in {{stage}}"}`)
	require.NoError(t, d.Execute(context.Background(), cfg, testEvent(), "auto-1"))

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "+5511999990000", gotBody["to"])
	assert.Equal(t, "Acme deal is in proposal", gotBody["message"])
}

func TestWhatsAppDispatcherGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := &dispatch.WhatsAppDispatcher{APIURL: srv.URL, Client: srv.Client()}
	err := d.Execute(context.Background(), json.RawMessage(`{"to":"+551199"}`), testEvent(), "auto-1")
	assert.ErrorContains(t, err, "502")

	unconfigured := &dispatch.WhatsAppDispatcher{}
	err = unconfigured.Execute(context.Background(), json.RawMessage(`{"to":"+551199"}`), testEvent(), "auto-1")
	assert.ErrorContains(t, err, "not configured")
}
