package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectorRepliesToInboundActivity(t *testing.T) {
	var tokenCalls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "https://api.botframework.com/.default", r.FormValue("scope"))
		json.NewEncoder(w).Encode(map[string]any{"access_token": "conn-tok", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	var gotPath, gotAuth string
	var gotActivity Activity
	connectorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotActivity))
		w.WriteHeader(http.StatusCreated)
	}))
	defer connectorSrv.Close()

	c := NewConnector(ConnectorConfig{
		AppID:       "app-id",
		AppPassword: "secret",
		TokenURL:    tokenSrv.URL,
	}, nil)

	inbound := &Activity{
		Type:         ActivityMessage,
		ID:           "act-1",
		ServiceURL:   connectorSrv.URL,
		Conversation: &ConversationRef{ID: "19:thread"},
		From:         &ChannelAccount{ID: "user-1"},
		Recipient:    &ChannelAccount{ID: "bot-1"},
	}

	require.NoError(t, c.ReplyText(context.Background(), inbound, "the answer"))

	assert.Equal(t, "/v3/conversations/19:thread/activities/act-1", gotPath)
	assert.Equal(t, "Bearer conn-tok", gotAuth)
	assert.Equal(t, ActivityMessage, gotActivity.Type)
	assert.Equal(t, "the answer", gotActivity.Text)
	assert.Equal(t, "bot-1", gotActivity.From.ID, "reply swaps from and recipient")
	assert.Equal(t, "user-1", gotActivity.Recipient.ID)

	// Token is cached across sends
	require.NoError(t, c.ReplyTyping(context.Background(), inbound))
	assert.EqualValues(t, 1, atomic.LoadInt32(&tokenCalls))
}

func TestConnectorCardReply(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	var gotActivity Activity
	connectorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotActivity))
	}))
	defer connectorSrv.Close()

	c := NewConnector(ConnectorConfig{AppID: "a", AppPassword: "p", TokenURL: tokenSrv.URL}, nil)
	inbound := &Activity{
		ServiceURL:   connectorSrv.URL,
		Conversation: &ConversationRef{ID: "19:thread"},
	}

	require.NoError(t, c.ReplyCard(context.Background(), inbound, feedbackCard("conv-1", "msg-1")))
	require.Len(t, gotActivity.Attachments, 1)
	assert.Equal(t, heroCardContentType, gotActivity.Attachments[0].ContentType)
}

func TestConnectorRequiresReplyAddress(t *testing.T) {
	c := NewConnector(ConnectorConfig{AppID: "a", AppPassword: "p"}, nil)
	err := c.ReplyText(context.Background(), &Activity{}, "text")
	assert.Error(t, err)
}
