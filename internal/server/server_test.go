package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genieops/teams-genie-bot/internal/bot"
	appconfig "github.com/genieops/teams-genie-bot/internal/config"
	"github.com/genieops/teams-genie-bot/internal/genie"
	"github.com/genieops/teams-genie-bot/internal/orchestrator"
	"github.com/genieops/teams-genie-bot/pkg/logger"
)

type recordingAdapter struct {
	mu         sync.Mutex
	activities []*bot.Activity
	done       chan struct{}
}

func (a *recordingAdapter) HandleActivity(ctx context.Context, activity *bot.Activity) error {
	a.mu.Lock()
	a.activities = append(a.activities, activity)
	a.mu.Unlock()
	if a.done != nil {
		a.done <- struct{}{}
	}
	return nil
}

type denyAuth struct{}

func (denyAuth) Authenticate(ctx context.Context, authHeader string) error {
	return bot.ErrUnauthorized
}

func testConfig() *appconfig.AppConfig {
	return &appconfig.AppConfig{
		ServiceName: "teams-genie-bot",
		Version:     "test",
		Port:        8080,
		Databricks:  appconfig.DatabricksConfig{PollTimeout: time.Minute},
		Security:    appconfig.SecurityConfig{MaxRequestSize: 1 << 20},
	}
}

func testLog() logger.Logger {
	return logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Output: &bytes.Buffer{}})
}

func newTestServer(adapter ActivityHandler, auth ActivityAuthenticator) *Server {
	return New(testConfig(), testLog(), Deps{Adapter: adapter, Auth: auth})
}

func postActivity(t *testing.T, srv *Server, activity *bot.Activity) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestWebhookReturnsEmpty200AndDispatches(t *testing.T) {
	adapter := &recordingAdapter{done: make(chan struct{}, 1)}
	srv := newTestServer(adapter, nil)

	rec := postActivity(t, srv, &bot.Activity{Type: bot.ActivityMessage, Text: "hello"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	select {
	case <-adapter.done:
	case <-time.After(time.Second):
		t.Fatal("activity was never dispatched")
	}
	assert.Equal(t, "hello", adapter.activities[0].Text)
}

func TestWebhookRejectsUnauthenticated(t *testing.T) {
	adapter := &recordingAdapter{}
	srv := newTestServer(adapter, denyAuth{})

	rec := postActivity(t, srv, &bot.Activity{Type: bot.ActivityMessage, Text: "hi"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Empty(t, adapter.activities)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(&recordingAdapter{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpointFixedPayload(t *testing.T) {
	srv := newTestServer(&recordingAdapter{}, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "healthy", payload["status"])
	assert.Equal(t, "teams-genie-bot", payload["service"])
}

func TestStatusPage(t *testing.T) {
	srv := newTestServer(&recordingAdapter{}, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "teams-genie-bot")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

// scriptedGenie walks a question through PENDING, EXECUTING and
// COMPLETED with a 2-column result.
type scriptedGenie struct {
	mu       sync.Mutex
	started  int
	statuses []genie.MessageStatus
}

func (g *scriptedGenie) StartConversation(ctx context.Context, content string) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started++
	g.statuses = []genie.MessageStatus{genie.StatusPending, genie.StatusExecuting, genie.StatusCompleted}
	return "conv-1", "msg-1", nil
}

func (g *scriptedGenie) ContinueConversation(ctx context.Context, conversationID, content string) (string, error) {
	if conversationID != "conv-1" {
		return "", genie.NewError(genie.CategoryNotFound, "unknown conversation", nil)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses = []genie.MessageStatus{genie.StatusPending, genie.StatusCompleted}
	return "msg-2", nil
}

func (g *scriptedGenie) AwaitCompletion(ctx context.Context, conversationID, messageID string) (*genie.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// Consume the scripted status sequence the way the poller would
	for len(g.statuses) > 1 {
		g.statuses = g.statuses[1:]
	}
	return &genie.Message{
		ID:     messageID,
		Status: genie.StatusCompleted,
		Attachments: []genie.Attachment{{
			AttachmentID: "att-1",
			Query:        &genie.QueryAttachment{Query: "SELECT region, revenue FROM sales"},
		}},
	}, nil
}

func (g *scriptedGenie) FetchQueryResult(ctx context.Context, conversationID, messageID, attachmentID string) (*genie.QueryResult, error) {
	region := "EMEA"
	revenue := "100"
	rows := make([][]*string, 10)
	for i := range rows {
		rows[i] = []*string{&region, &revenue}
	}
	return &genie.QueryResult{
		Columns: []genie.Column{{Name: "region"}, {Name: "revenue"}},
		Rows:    rows,
	}, nil
}

type channelReplier struct {
	mu    sync.Mutex
	texts []string
}

func (r *channelReplier) ReplyText(ctx context.Context, inbound *bot.Activity, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *channelReplier) ReplyTyping(ctx context.Context, inbound *bot.Activity) error { return nil }

func (r *channelReplier) ReplyCard(ctx context.Context, inbound *bot.Activity, card bot.HeroCard) error {
	return nil
}

func (r *channelReplier) allTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

// TestEndToEndScenario drives a session through greeting, first
// query, and a follow-up that reuses the Genie conversation.
func TestEndToEndScenario(t *testing.T) {
	backend := &scriptedGenie{}
	replier := &channelReplier{}
	log := testLog()

	orch := orchestrator.New(backend, orchestrator.Config{}, nil, log, nil)
	adapter := bot.NewAdapter(orch, nil, replier, log)
	srv := newTestServer(adapter, nil)

	send := func(text string) {
		rec := postActivity(t, srv, &bot.Activity{
			Type:         bot.ActivityMessage,
			Conversation: &bot.ConversationRef{ID: "S1"},
			Text:         text,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	waitForTexts := func(n int) []string {
		var texts []string
		require.Eventually(t, func() bool {
			texts = replier.allTexts()
			return len(texts) >= n
		}, 2*time.Second, 5*time.Millisecond)
		return texts
	}

	// Greeting short-circuits without touching the backend
	send("hello")
	texts := waitForTexts(1)
	assert.Contains(t, texts[0], "Genie assistant")
	assert.Zero(t, backend.started)

	// First real question starts a conversation and renders a table
	send("show revenue by region")
	texts = waitForTexts(2)
	assert.Contains(t, texts[1], "region")
	assert.Contains(t, texts[1], "EMEA")
	assert.Equal(t, 1, backend.started)

	// Follow-up reuses the bound conversation
	send("and by quarter?")
	waitForTexts(3)
	assert.Equal(t, 1, backend.started, "follow-up must not start a new conversation")
}
