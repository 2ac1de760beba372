// Package orchestrator maps chat sessions onto Genie conversations
// and drives questions through to a rendered answer. Each session has
// at most one question in flight; a second question arriving while
// one is running is rejected rather than queued.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/genieops/teams-genie-bot/internal/format"
	"github.com/genieops/teams-genie-bot/internal/genie"
	"github.com/genieops/teams-genie-bot/internal/store"
	"github.com/genieops/teams-genie-bot/pkg/logger"
	"github.com/genieops/teams-genie-bot/pkg/metrics"
)

// fallbackAnswer is returned when a completed message yields no
// usable content.
const fallbackAnswer = "I couldn't extract a response from Genie. Please try rephrasing your question."

// minNarrativeLength filters out degenerate text attachments, such as
// echoes of a short question.
const minNarrativeLength = 10

// GenieAPI is the slice of the Genie client the orchestrator drives.
type GenieAPI interface {
	StartConversation(ctx context.Context, content string) (conversationID, messageID string, err error)
	ContinueConversation(ctx context.Context, conversationID, content string) (string, error)
	AwaitCompletion(ctx context.Context, conversationID, messageID string) (*genie.Message, error)
	FetchQueryResult(ctx context.Context, conversationID, messageID, attachmentID string) (*genie.QueryResult, error)
}

// Answer is a completed response ready for delivery.
type Answer struct {
	Text           string
	ConversationID string
	MessageID      string
}

// Config tunes session lifecycle behaviour.
type Config struct {
	// IdleTimeout evicts sessions after this much inactivity.
	IdleTimeout time.Duration

	// SweepInterval is the eviction cadence.
	SweepInterval time.Duration

	// MaxTurns rotates to a fresh conversation after this many
	// questions. 0 disables rotation.
	MaxTurns int
}

type session struct {
	conversationID string
	turns          int
	lastActivity   time.Time
	inFlight       bool
}

// Orchestrator owns the session table.
type Orchestrator struct {
	client   GenieAPI
	cfg      Config
	bindings *store.BindingStore
	log      logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an orchestrator. bindings and m may be nil.
func New(client GenieAPI, cfg Config, bindings *store.BindingStore, log logger.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Orchestrator{
		client:   client,
		cfg:      cfg,
		bindings: bindings,
		log:      log,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Restore rehydrates the session table from persisted bindings,
// dropping any that are already past the idle timeout.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.bindings == nil {
		return nil
	}

	persisted, err := o.bindings.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading session bindings: %w", err)
	}

	now := o.now()
	restored := 0
	o.mu.Lock()
	for _, b := range persisted {
		if now.Sub(b.LastActivity) > o.cfg.IdleTimeout {
			continue
		}
		o.sessions[b.SessionKey] = &session{
			conversationID: b.ConversationID,
			turns:          b.Turns,
			lastActivity:   b.LastActivity,
		}
		restored++
	}
	o.mu.Unlock()

	if o.log != nil && restored > 0 {
		o.log.Info("Restored session bindings",
			logger.IntField("restored", restored),
			logger.IntField("persisted", len(persisted)))
	}
	return nil
}

// Handle runs one question for a session through Genie and returns
// the rendered answer. A busy session rejects immediately with a
// CategoryBusy error.
func (o *Orchestrator) Handle(ctx context.Context, sessionKey, question string) (*Answer, error) {
	start := o.now()

	conversationID, err := o.acquire(sessionKey)
	if err != nil {
		o.observe(metrics.QueryMetricRejected, start)
		return nil, err
	}
	defer o.release(sessionKey)

	answer, newConversationID, err := o.ask(ctx, conversationID, question)
	if err != nil {
		o.observe(outcomeOf(err), start)
		return nil, err
	}

	o.commit(ctx, sessionKey, newConversationID)
	o.observe(metrics.QueryMetricCompleted, start)
	return answer, nil
}

// acquire marks the session in-flight and returns its bound
// conversation id, empty when a fresh conversation is needed.
func (o *Orchestrator) acquire(sessionKey string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.sessions[sessionKey]
	if s == nil {
		s = &session{}
		o.sessions[sessionKey] = s
	}
	if s.inFlight {
		return "", genie.NewError(genie.CategoryBusy,
			"a question for this session is already being processed", nil)
	}
	s.inFlight = true

	if o.cfg.MaxTurns > 0 && s.turns >= o.cfg.MaxTurns {
		// Rotation point: abandon the old conversation
		s.conversationID = ""
		s.turns = 0
	}
	return s.conversationID, nil
}

func (o *Orchestrator) release(sessionKey string) {
	o.mu.Lock()
	if s := o.sessions[sessionKey]; s != nil {
		s.inFlight = false
	}
	o.mu.Unlock()
}

// commit records a successful turn against the session and snapshots
// the binding, best-effort.
func (o *Orchestrator) commit(ctx context.Context, sessionKey, conversationID string) {
	now := o.now()

	o.mu.Lock()
	s := o.sessions[sessionKey]
	if s == nil {
		s = &session{}
		o.sessions[sessionKey] = s
	}
	s.conversationID = conversationID
	s.turns++
	s.lastActivity = now
	binding := store.Binding{
		SessionKey:     sessionKey,
		ConversationID: s.conversationID,
		Turns:          s.turns,
		LastActivity:   s.lastActivity,
	}
	o.mu.Unlock()

	if o.bindings == nil {
		return
	}
	if err := o.bindings.Save(ctx, binding); err != nil && o.log != nil {
		o.log.Warn("Failed to persist session binding",
			logger.SessionKeyField(sessionKey),
			logger.ErrorField(err))
	}
}

// ask submits the question, waits for completion and renders the
// answer. When continuing an expired conversation the 404 falls back
// to starting a new one, exactly once.
func (o *Orchestrator) ask(ctx context.Context, conversationID, question string) (*Answer, string, error) {
	var messageID string
	var err error

	if conversationID == "" {
		conversationID, messageID, err = o.client.StartConversation(ctx, question)
	} else {
		messageID, err = o.client.ContinueConversation(ctx, conversationID, question)
		if err != nil && genie.IsCategory(err, genie.CategoryNotFound) {
			if o.log != nil {
				o.log.Info("Conversation expired upstream, starting a new one",
					logger.ConversationIDField(conversationID))
			}
			conversationID, messageID, err = o.client.StartConversation(ctx, question)
		}
	}
	if err != nil {
		return nil, "", err
	}

	msg, err := o.client.AwaitCompletion(ctx, conversationID, messageID)
	if err != nil {
		return nil, "", err
	}

	text := o.renderAnswer(ctx, conversationID, msg, question)
	return &Answer{
		Text:           text,
		ConversationID: conversationID,
		MessageID:      msg.Identifier(),
	}, conversationID, nil
}

// renderAnswer extracts narrative text and query results from a
// completed message. Result fetch failures degrade to whatever else
// the message carried.
func (o *Orchestrator) renderAnswer(ctx context.Context, conversationID string, msg *genie.Message, question string) string {
	var parts []string

	for _, att := range msg.Attachments {
		if att.Text != nil {
			content := strings.TrimSpace(att.Text.Content)
			if content != "" && content != question && len(content) > minNarrativeLength {
				parts = append(parts, content)
			}
		}

		if att.Query != nil && att.AttachmentID != "" {
			if desc := strings.TrimSpace(att.Query.Description); desc != "" && desc != question && len(desc) > minNarrativeLength {
				parts = append(parts, desc)
			}
			result, err := o.client.FetchQueryResult(ctx, conversationID, msg.Identifier(), att.AttachmentID)
			if err != nil {
				if o.log != nil {
					o.log.Warn("Failed to fetch query result",
						logger.ConversationIDField(conversationID),
						logger.MessageIDField(msg.Identifier()),
						logger.ErrorField(err))
				}
				continue
			}
			if rendered := format.Render(result); rendered != "" {
				parts = append(parts, rendered)
			}
		}
	}

	if len(parts) == 0 && msg.Content != "" && msg.Content != question {
		if rendered := format.Render(format.PlainText(msg.Content)); rendered != "" {
			parts = append(parts, rendered)
		}
	}
	if len(parts) == 0 {
		return fallbackAnswer
	}
	return strings.Join(parts, "\n\n")
}

// Run performs idle-session eviction until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.evictIdle(ctx)
		}
	}
}

// evictIdle drops sessions idle past the timeout. Sessions with a
// question in flight are skipped and picked up on a later sweep.
func (o *Orchestrator) evictIdle(ctx context.Context) {
	cutoff := o.now().Add(-o.cfg.IdleTimeout)

	var evicted []string
	o.mu.Lock()
	for key, s := range o.sessions {
		if s.inFlight {
			continue
		}
		if s.lastActivity.Before(cutoff) {
			delete(o.sessions, key)
			evicted = append(evicted, key)
		}
	}
	o.mu.Unlock()

	for _, key := range evicted {
		if o.bindings != nil {
			if err := o.bindings.Delete(ctx, key); err != nil && o.log != nil {
				o.log.Warn("Failed to delete persisted binding",
					logger.SessionKeyField(key),
					logger.ErrorField(err))
			}
		}
	}

	if len(evicted) > 0 && o.log != nil {
		o.log.Info("Evicted idle sessions", logger.IntField("count", len(evicted)))
	}
}

// SessionCount reports the current session table size.
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func (o *Orchestrator) observe(outcome int, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveQuery(outcome, o.now().Sub(start))
}

func outcomeOf(err error) int {
	var ge *genie.Error
	if errors.As(err, &ge) {
		switch ge.Category {
		case genie.CategoryPollTimeout:
			return metrics.QueryMetricTimedOut
		case genie.CategoryBusy:
			return metrics.QueryMetricRejected
		}
	}
	return metrics.QueryMetricFailed
}
