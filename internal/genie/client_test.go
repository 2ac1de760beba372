package genie

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticTokens is a TokenSource that hands out canned tokens and
// records invalidations.
type staticTokens struct {
	tokens      []string
	idx         int32
	invalidated int32
}

func (s *staticTokens) GetToken(ctx context.Context) (string, error) {
	i := atomic.LoadInt32(&s.idx)
	if int(i) >= len(s.tokens) {
		i = int32(len(s.tokens) - 1)
	}
	return s.tokens[i], nil
}

func (s *staticTokens) Invalidate() {
	atomic.AddInt32(&s.invalidated, 1)
	atomic.AddInt32(&s.idx, 1)
}

// recordingSleeper records requested delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func newTestClient(t *testing.T, srv *httptest.Server) (*Client, *recordingSleeper) {
	t.Helper()
	c := NewClient(ClientConfig{
		Host:        srv.URL,
		SpaceID:     "space-1",
		MaxRetries:  3,
		PollTimeout: time.Minute,
	}, &staticTokens{tokens: []string{"tok-1", "tok-2"}}, nil)
	sleeper := &recordingSleeper{}
	c.sleeper = sleeper
	return c, sleeper
}

func TestStartConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/2.0/genie/spaces/space-1/start-conversation", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "show revenue by region", req["content"])

		json.NewEncoder(w).Encode(map[string]string{
			"conversation_id": "conv-1",
			"message_id":      "msg-1",
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	convID, msgID, err := c.StartConversation(context.Background(), "show revenue by region")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", convID)
	assert.Equal(t, "msg-1", msgID)
}

func TestStartConversationNestedIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"conversation": map[string]string{"id": "conv-2"},
			"message":      map[string]string{"id": "msg-2"},
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	convID, msgID, err := c.StartConversation(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "conv-2", convID)
	assert.Equal(t, "msg-2", msgID)
}

func TestTransientErrorsRetriedThenSucceed(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"conversation_id": "c", "message_id": "m"})
	}))
	defer srv.Close()

	c, sleeper := newTestClient(t, srv)
	_, _, err := c.StartConversation(context.Background(), "q")
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Len(t, sleeper.delays, 2, "each retry waits once")
}

func TestTransientErrorsExhaustAttemptCeiling(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, _, err := c.StartConversation(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, CategoryTransient, CategoryOf(err))
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls), "initial attempt plus MaxRetries")
}

func TestAuthRejectionRefreshesTokenOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"conversation_id": "c", "message_id": "m"})
	}))
	defer srv.Close()

	tokens := &staticTokens{tokens: []string{"tok-1", "tok-2"}}
	c := NewClient(ClientConfig{Host: srv.URL, SpaceID: "space-1", MaxRetries: 3}, tokens, nil)
	c.sleeper = &recordingSleeper{}

	_, _, err := c.StartConversation(context.Background(), "q")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&tokens.invalidated))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestAuthRejectionAfterRefreshSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, _, err := c.StartConversation(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, CategoryAuth, CategoryOf(err))
}

func TestNotFoundNeverRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.ContinueConversation(context.Background(), "conv-gone", "q")
	require.Error(t, err)
	assert.Equal(t, CategoryNotFound, CategoryOf(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestAwaitCompletionPollsThroughToCompleted(t *testing.T) {
	statuses := []string{"PENDING", "EXECUTING", "COMPLETED"}
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "msg-1",
			"status": statuses[n-1],
		})
	}))
	defer srv.Close()

	c, sleeper := newTestClient(t, srv)
	msg, err := c.AwaitCompletion(context.Background(), "conv-1", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, msg.Status)
	assert.EqualValues(t, 3, atomic.LoadInt32(&polls))
	// Backoff doubles from the initial interval
	require.Len(t, sleeper.delays, 2)
	assert.Equal(t, time.Second, sleeper.delays[0])
	assert.Equal(t, 2*time.Second, sleeper.delays[1])
}

func TestAwaitCompletionBackoffCapped(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "PENDING"
		if atomic.AddInt32(&polls, 1) >= 8 {
			status = "COMPLETED"
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "m", "status": status})
	}))
	defer srv.Close()

	c, sleeper := newTestClient(t, srv)
	_, err := c.AwaitCompletion(context.Background(), "c", "m")
	require.NoError(t, err)
	for _, d := range sleeper.delays {
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.Equal(t, 5*time.Second, sleeper.delays[len(sleeper.delays)-1])
}

func TestAwaitCompletionFailedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "m",
			"status": "FAILED",
			"error":  map[string]string{"type": "SQL_ERROR", "error": "table not found"},
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	msg, err := c.AwaitCompletion(context.Background(), "c", "m")
	require.Error(t, err)
	assert.Equal(t, CategoryQueryFailed, CategoryOf(err))
	assert.Contains(t, err.Error(), "table not found")
	require.NotNil(t, msg)
	assert.Equal(t, StatusFailed, msg.Status)
}

func TestAwaitCompletionDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "m", "status": "PENDING"})
	}))
	defer srv.Close()

	tokens := &staticTokens{tokens: []string{"tok"}}
	c := NewClient(ClientConfig{Host: srv.URL, SpaceID: "s", PollTimeout: 3 * time.Second}, tokens, nil)
	sleeper := &recordingSleeper{}
	c.sleeper = sleeper

	// Frozen clock advanced by the recorded sleeps
	base := time.Now()
	c.now = func() time.Time {
		now := base
		for _, d := range sleeper.delays {
			now = now.Add(d)
		}
		return now
	}

	_, err := c.AwaitCompletion(context.Background(), "c", "m")
	require.Error(t, err)
	assert.Equal(t, CategoryPollTimeout, CategoryOf(err))
}

func TestUnknownStatusTreatedAsInProgress(t *testing.T) {
	assert.False(t, MessageStatus("SUBMITTED").Terminal())
	assert.False(t, StatusQueryingHistory.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestFetchQueryResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/2.0/genie/spaces/space-1/conversations/c/messages/m/attachments/a/query-result", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"statement_response": map[string]any{
				"status": map[string]string{"state": "SUCCEEDED"},
				"manifest": map[string]any{
					"schema": map[string]any{
						"columns": []map[string]string{
							{"name": "region", "type_name": "STRING"},
							{"name": "revenue", "type_name": "DECIMAL"},
						},
					},
					"truncated": true,
				},
				"result": map[string]any{
					"data_array": [][]any{{"EMEA", "1000.50"}, {"APAC", nil}},
				},
			},
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	res, err := c.FetchQueryResult(context.Background(), "c", "m", "a")
	require.NoError(t, err)

	require.Len(t, res.Columns, 2)
	assert.Equal(t, "region", res.Columns[0].Name)
	assert.True(t, res.Truncated)
	require.Len(t, res.Rows, 2)
	require.NotNil(t, res.Rows[0][0])
	assert.Equal(t, "EMEA", *res.Rows[0][0])
	assert.Nil(t, res.Rows[1][1], "SQL NULL decodes to nil")
}

func TestSendFeedback(t *testing.T) {
	var gotRating string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/2.0/genie/spaces/space-1/conversations/c/messages/m/feedback", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotRating = req["rating"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	require.NoError(t, c.SendFeedback(context.Background(), "c", "m", RatingPositive))
	assert.Equal(t, "POSITIVE", gotRating)
}

func TestConcurrentRequestsOnSharedClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// One client, many goroutines: every request walks the jittered
	// retry path at the same time.
	c, _ := newTestClient(t, srv)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.StartConversation(context.Background(), "q")
			assert.Equal(t, CategoryTransient, CategoryOf(err))
		}()
	}
	wg.Wait()
}
