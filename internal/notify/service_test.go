package notify_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentloom/agentloom/control-plane/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() notify.Event {
	return notify.Event{
		Type:           "created",
		OrganizationID: "acme",
		Environment:    "development",
		Trigger:        "welcome",
		EntityType:     "patient",
		Timestamp:      time.Now().UTC(),
	}
}

func TestDispatch_PostsSignedPayload(t *testing.T) {
	var (
		gotSig   string
		gotEvent string
		gotBody  []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-AgentLoom-Signature")
		gotEvent = r.Header.Get("X-AgentLoom-Event")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc := notify.NewService()
	res := svc.Dispatch(context.Background(), notify.Channel{
		Name:   "ops",
		URL:    srv.URL,
		Secret: "wool",
	}, testEvent())

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "created", gotEvent)
	assert.Equal(t, notify.Sign("wool", gotBody), gotSig)
	assert.Contains(t, string(gotBody), `"welcome"`)
}

func TestDispatch_NoSecretNoSignature(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-AgentLoom-Signature")
	}))
	defer srv.Close()

	svc := notify.NewService()
	res := svc.Dispatch(context.Background(), notify.Channel{Name: "ops", URL: srv.URL}, testEvent())

	require.True(t, res.Success)
	assert.Empty(t, gotSig)
}

func TestDispatch_SubscriptionFilter(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	svc := notify.NewService()
	res := svc.Dispatch(context.Background(), notify.Channel{
		Name:   "ops",
		URL:    srv.URL,
		Events: []string{"deleted"},
	}, testEvent())

	assert.True(t, res.Skipped)
	assert.False(t, res.Success)
	assert.False(t, called)
}

func TestDispatch_WildcardSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	svc := notify.NewService()
	res := svc.Dispatch(context.Background(), notify.Channel{
		Name:   "ops",
		URL:    srv.URL,
		Events: []string{"*"},
	}, testEvent())

	assert.True(t, res.Success)
}

func TestDispatch_ReceiverDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	svc := notify.NewService()
	res := svc.Dispatch(context.Background(), notify.Channel{Name: "ops", URL: srv.URL}, testEvent())

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "after 3 attempts")
}

func TestChannelFromParams(t *testing.T) {
	ch, err := notify.ChannelFromParams(map[string]any{
		"url":     "https://hooks.example.com/loom",
		"channel": "oncall",
		"secret":  "wool",
		"events":  []any{"created", "deleted"},
	})
	require.NoError(t, err)
	assert.Equal(t, "oncall", ch.Name)
	assert.Equal(t, "wool", ch.Secret)
	assert.Equal(t, []string{"created", "deleted"}, ch.Events)

	ch, err = notify.ChannelFromParams(map[string]any{"url": "https://hooks.example.com/loom"})
	require.NoError(t, err)
	assert.Equal(t, "webhook", ch.Name)

	_, err = notify.ChannelFromParams(map[string]any{"channel": "oncall"})
	require.Error(t, err)
}
