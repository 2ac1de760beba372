// Package genie is a client for the Databricks Genie conversation API.
// Questions are submitted to a Genie space, answered asynchronously,
// and collected by polling the message until it reaches a terminal
// status.
package genie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/genieops/teams-genie-bot/pkg/logger"
)

// TokenSource supplies workspace bearer tokens.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
	Invalidate()
}

// Feedback ratings accepted by the Genie API.
const (
	RatingPositive = "POSITIVE"
	RatingNegative = "NEGATIVE"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Host is the workspace URL, scheme included, no trailing slash.
	Host string

	// SpaceID is the Genie space all conversations run in.
	SpaceID string

	// RequestTimeout bounds each individual HTTP request.
	RequestTimeout time.Duration

	// MaxRetries is the attempt ceiling for transient failures.
	MaxRetries int

	// Poll controls the completion polling cadence.
	Poll PollPolicy

	// PollTimeout bounds the total wait for a terminal status.
	PollTimeout time.Duration
}

// Client talks to the Genie REST API for a single space.
type Client struct {
	host        string
	spaceID     string
	tokens      TokenSource
	httpClient  *http.Client
	maxRetries  int
	poll        PollPolicy
	pollTimeout time.Duration
	sleeper     Sleeper
	log         logger.Logger
	now         func() time.Time
}

// NewClient creates a Genie client.
func NewClient(cfg ClientConfig, tokens TokenSource, log logger.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	poll := cfg.Poll
	if poll.Initial <= 0 {
		poll = DefaultPollPolicy()
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Minute
	}
	return &Client{
		host:        cfg.Host,
		spaceID:     cfg.SpaceID,
		tokens:      tokens,
		httpClient:  &http.Client{Timeout: timeout},
		maxRetries:  cfg.MaxRetries,
		poll:        poll,
		pollTimeout: pollTimeout,
		sleeper:     realSleeper{},
		log:         log,
		now:         time.Now,
	}
}

// StartConversation submits the first question of a new conversation.
// Returns the conversation and message ids to poll.
func (c *Client) StartConversation(ctx context.Context, content string) (conversationID, messageID string, err error) {
	path := fmt.Sprintf("/api/2.0/genie/spaces/%s/start-conversation", c.spaceID)
	body, err := c.doRequest(ctx, http.MethodPost, path, startConversationRequest{Content: content})
	if err != nil {
		return "", "", err
	}

	var resp startConversationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", NewError(CategoryTransient, "decoding start-conversation response", err)
	}

	conversationID = resp.ConversationID
	if conversationID == "" && resp.Conversation != nil {
		conversationID = resp.Conversation.ID
	}
	messageID = resp.MessageID
	if messageID == "" && resp.Message != nil {
		messageID = resp.Message.ID
	}
	if conversationID == "" || messageID == "" {
		return "", "", NewError(CategoryTransient, "start-conversation response missing ids", nil)
	}
	return conversationID, messageID, nil
}

// ContinueConversation submits a follow-up question on an existing
// conversation and returns the new message id.
func (c *Client) ContinueConversation(ctx context.Context, conversationID, content string) (string, error) {
	path := fmt.Sprintf("/api/2.0/genie/spaces/%s/conversations/%s/messages", c.spaceID, conversationID)
	body, err := c.doRequest(ctx, http.MethodPost, path, createMessageRequest{Content: content})
	if err != nil {
		return "", err
	}

	var resp createMessageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", NewError(CategoryTransient, "decoding create-message response", err)
	}
	messageID := resp.MessageID
	if messageID == "" {
		messageID = resp.ID
	}
	if messageID == "" {
		return "", NewError(CategoryTransient, "create-message response missing id", nil)
	}
	return messageID, nil
}

// PollMessage fetches the current state of a message.
func (c *Client) PollMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	path := fmt.Sprintf("/api/2.0/genie/spaces/%s/conversations/%s/messages/%s", c.spaceID, conversationID, messageID)
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, NewError(CategoryTransient, "decoding message response", err)
	}
	return &msg, nil
}

// AwaitCompletion polls until the message reaches a terminal status or
// the poll timeout elapses. COMPLETED returns the message with a nil
// error; FAILED and CANCELLED return the message alongside a
// query_failed error; the deadline elapsing returns poll_timeout,
// which is never retried.
func (c *Client) AwaitCompletion(ctx context.Context, conversationID, messageID string) (*Message, error) {
	deadline := c.now().Add(c.pollTimeout)

	for attempt := 0; ; attempt++ {
		msg, err := c.PollMessage(ctx, conversationID, messageID)
		if err != nil {
			return nil, err
		}

		if msg.Status.Terminal() {
			switch msg.Status {
			case StatusCompleted:
				return msg, nil
			default:
				reason := fmt.Sprintf("message ended with status %s", msg.Status)
				if msg.Error != nil && msg.Error.Message != "" {
					reason = fmt.Sprintf("%s: %s", reason, msg.Error.Message)
				}
				return msg, NewError(CategoryQueryFailed, reason, nil)
			}
		}

		if c.log != nil {
			c.log.Debug("Genie message still in progress",
				logger.ConversationIDField(conversationID),
				logger.MessageIDField(messageID),
				logger.StringField("status", string(msg.Status)))
		}

		wait := c.poll.Next(attempt)
		if c.now().Add(wait).After(deadline) {
			return msg, NewError(CategoryPollTimeout,
				fmt.Sprintf("no terminal status within %s", c.pollTimeout), nil)
		}
		if err := c.sleeper.Sleep(ctx, wait); err != nil {
			return msg, NewError(CategoryPollTimeout, "polling interrupted", err)
		}
	}
}

// FetchQueryResult retrieves the tabular result of a query attachment
// on a completed message.
func (c *Client) FetchQueryResult(ctx context.Context, conversationID, messageID, attachmentID string) (*QueryResult, error) {
	path := fmt.Sprintf("/api/2.0/genie/spaces/%s/conversations/%s/messages/%s/attachments/%s/query-result",
		c.spaceID, conversationID, messageID, attachmentID)
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp queryResultResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewError(CategoryTransient, "decoding query-result response", err)
	}

	result := &QueryResult{
		Rows:      resp.StatementResponse.Result.DataArray,
		Truncated: resp.StatementResponse.Manifest.Truncated,
	}
	for _, col := range resp.StatementResponse.Manifest.Schema.Columns {
		result.Columns = append(result.Columns, Column{Name: col.Name, TypeName: col.TypeName})
	}
	return result, nil
}

// SendFeedback records a user rating against a message. Rating must be
// RatingPositive or RatingNegative.
func (c *Client) SendFeedback(ctx context.Context, conversationID, messageID, rating string) error {
	path := fmt.Sprintf("/api/2.0/genie/spaces/%s/conversations/%s/messages/%s/feedback",
		c.spaceID, conversationID, messageID)
	_, err := c.doRequest(ctx, http.MethodPost, path, feedbackRequest{Rating: rating})
	return err
}

// doRequest performs one API call with the client's retry policy:
// transient failures retry with jittered backoff up to the attempt
// ceiling, an auth rejection forces exactly one token refresh and
// retry, not-found and other 4xx surface immediately.
func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, NewError(CategoryTransient, "encoding request body", err)
		}
	}

	var lastErr error
	authRetried := false

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleeper.Sleep(ctx, retryBackoff(attempt)); err != nil {
				return nil, NewError(CategoryTransient, "retry interrupted", err)
			}
		}

		token, err := c.tokens.GetToken(ctx)
		if err != nil {
			if IsRetryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, c.host+path, bytes.NewReader(reqBody))
		if err != nil {
			return nil, NewError(CategoryTransient, "building request", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = NewError(CategoryTransient, fmt.Sprintf("%s %s failed", method, path), err)
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = NewError(CategoryTransient, "reading response body", readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if !authRetried {
				// One forced refresh, then surface
				authRetried = true
				c.tokens.Invalidate()
				attempt--
				continue
			}
			return nil, NewError(CategoryAuth,
				fmt.Sprintf("%s %s rejected with %d after token refresh", method, path, resp.StatusCode), nil)

		case resp.StatusCode == http.StatusNotFound:
			return nil, NewError(CategoryNotFound, fmt.Sprintf("%s %s returned 404", method, path), nil)

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = NewError(CategoryTransient,
				fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode), nil)
			continue

		default:
			return nil, NewError(CategoryQueryFailed,
				fmt.Sprintf("%s %s returned %d: %s", method, path, resp.StatusCode, truncateForLog(body)), nil)
		}
	}

	if lastErr == nil {
		lastErr = NewError(CategoryTransient, "request attempts exhausted", nil)
	}
	return nil, lastErr
}

func truncateForLog(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
