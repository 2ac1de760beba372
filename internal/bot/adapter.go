package bot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/genieops/teams-genie-bot/internal/genie"
	"github.com/genieops/teams-genie-bot/internal/orchestrator"
	"github.com/genieops/teams-genie-bot/pkg/logger"
)

// QuestionHandler runs a question for a session through Genie.
type QuestionHandler interface {
	Handle(ctx context.Context, sessionKey, question string) (*orchestrator.Answer, error)
}

// FeedbackSender records user ratings against Genie messages.
type FeedbackSender interface {
	SendFeedback(ctx context.Context, conversationID, messageID, rating string) error
}

// Replier sends activities back to the chat transport.
type Replier interface {
	ReplyText(ctx context.Context, inbound *Activity, text string) error
	ReplyTyping(ctx context.Context, inbound *Activity) error
	ReplyCard(ctx context.Context, inbound *Activity, card HeroCard) error
}

// Adapter drives one inbound activity from authentication through to
// a dispatched reply.
type Adapter struct {
	questions QuestionHandler
	feedback  FeedbackSender
	replier   Replier
	log       logger.Logger
}

// NewAdapter creates the activity handler. feedback may be nil to
// disable feedback cards.
func NewAdapter(questions QuestionHandler, feedback FeedbackSender, replier Replier, log logger.Logger) *Adapter {
	return &Adapter{
		questions: questions,
		feedback:  feedback,
		replier:   replier,
		log:       log,
	}
}

// HandleActivity processes one authenticated activity. Errors are
// converted to user-visible replies here; the returned error exists
// for logging only.
func (a *Adapter) HandleActivity(ctx context.Context, activity *Activity) error {
	switch activity.Type {
	case ActivityMessage:
		return a.onMessage(ctx, activity)
	case ActivityConversationUpdate:
		return a.onConversationUpdate(ctx, activity)
	default:
		a.log.Debug("Ignoring activity type", logger.StringField("activity_type", activity.Type))
		return nil
	}
}

func (a *Adapter) onMessage(ctx context.Context, activity *Activity) error {
	if action, ok := a.parseFeedback(activity); ok {
		return a.onFeedback(ctx, activity, action)
	}

	question := extractQuestion(activity)
	if question == "" {
		return a.replier.ReplyText(ctx, activity, emptyMessageReply)
	}

	if reply := reservedReply(question); reply != "" {
		return a.replier.ReplyText(ctx, activity, reply)
	}

	sessionKey := activity.SessionKey()
	log := a.log.WithFields(logger.SessionKeyField(sessionKey))
	log.Info("Processing question", logger.IntField("question_length", len(question)))

	// Best-effort: Genie answers take seconds, let the user know
	if err := a.replier.ReplyTyping(ctx, activity); err != nil {
		log.Warn("Failed to send typing indicator", logger.ErrorField(err))
	}

	answer, err := a.questions.Handle(ctx, sessionKey, question)
	if err != nil {
		log.Error("Question failed",
			logger.StringField("category", string(genie.CategoryOf(err))),
			logger.ErrorField(err))
		return a.replier.ReplyText(ctx, activity, userMessageFor(err))
	}

	if err := a.replier.ReplyText(ctx, activity, answer.Text); err != nil {
		log.Error("Failed to deliver answer", logger.ErrorField(err))
		return err
	}

	if a.feedback != nil && answer.ConversationID != "" && answer.MessageID != "" {
		if err := a.replier.ReplyCard(ctx, activity, feedbackCard(answer.ConversationID, answer.MessageID)); err != nil {
			// The answer is already delivered, the card is optional
			log.Warn("Failed to send feedback card", logger.ErrorField(err))
		}
	}

	log.Info("Answer delivered",
		logger.ConversationIDField(answer.ConversationID),
		logger.MessageIDField(answer.MessageID))
	return nil
}

// onConversationUpdate greets users when the bot joins a
// conversation.
func (a *Adapter) onConversationUpdate(ctx context.Context, activity *Activity) error {
	recipientID := ""
	if activity.Recipient != nil {
		recipientID = activity.Recipient.ID
	}
	for _, member := range activity.MembersAdded {
		if member.ID != recipientID {
			return a.replier.ReplyText(ctx, activity, greetingReply)
		}
	}
	return nil
}

func (a *Adapter) parseFeedback(activity *Activity) (feedbackAction, bool) {
	var action feedbackAction
	if len(activity.Value) == 0 {
		return action, false
	}

	raw := activity.Value
	// messageBack values may arrive as an object or a JSON string
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		raw = []byte(asString)
	}
	if err := json.Unmarshal(raw, &action); err != nil {
		return action, false
	}
	return action, action.Action == "feedback"
}

func (a *Adapter) onFeedback(ctx context.Context, activity *Activity, action feedbackAction) error {
	if a.feedback == nil {
		return nil
	}

	rating := strings.ToUpper(action.Rating)
	if rating != genie.RatingPositive && rating != genie.RatingNegative {
		return a.replier.ReplyText(ctx, activity, "Sorry, couldn't record your feedback.")
	}
	if action.ConversationID == "" || action.MessageID == "" {
		return a.replier.ReplyText(ctx, activity, "Sorry, couldn't record your feedback.")
	}

	if err := a.feedback.SendFeedback(ctx, action.ConversationID, action.MessageID, rating); err != nil {
		a.log.Warn("Failed to record feedback",
			logger.ConversationIDField(action.ConversationID),
			logger.MessageIDField(action.MessageID),
			logger.ErrorField(err))
		return a.replier.ReplyText(ctx, activity, "Sorry, couldn't record your feedback.")
	}

	a.log.Info("Feedback recorded",
		logger.ConversationIDField(action.ConversationID),
		logger.StringField("rating", rating))
	return a.replier.ReplyText(ctx, activity, "Thanks for your feedback!")
}

// userMessageFor maps a failure to a reply that explains the outcome
// without leaking identifiers, credentials or stack detail.
func userMessageFor(err error) string {
	var ge *genie.Error
	if !errors.As(err, &ge) {
		return "Sorry, something went wrong. Please try again."
	}

	switch ge.Category {
	case genie.CategoryBusy:
		return "I'm still working on your previous question. Please wait for it to finish before asking another."
	case genie.CategoryAuth:
		return "I couldn't authenticate with Databricks. Please contact your administrator."
	case genie.CategoryNotFound:
		return "I couldn't find the requested Genie space or conversation. Please verify the bot's configuration."
	case genie.CategoryPollTimeout:
		return "Your query is taking longer than expected. It's still processing — please try asking again in a moment."
	case genie.CategoryQueryFailed:
		return "Genie couldn't answer that question: " + ge.Reason
	default:
		return "The analytics service is temporarily unavailable. Please try again shortly."
	}
}
