// Package bot receives Bot Framework activities from Microsoft Teams,
// authenticates them, and drives questions through the orchestrator.
package bot

import "encoding/json"

// Activity types this bot handles.
const (
	ActivityMessage            = "message"
	ActivityTyping             = "typing"
	ActivityConversationUpdate = "conversationUpdate"
)

// Activity is the Bot Framework activity envelope, reduced to the
// fields this service reads and writes.
type Activity struct {
	Type         string           `json:"type"`
	ID           string           `json:"id,omitempty"`
	Timestamp    string           `json:"timestamp,omitempty"`
	ChannelID    string           `json:"channelId,omitempty"`
	ServiceURL   string           `json:"serviceUrl,omitempty"`
	Conversation *ConversationRef `json:"conversation,omitempty"`
	From         *ChannelAccount  `json:"from,omitempty"`
	Recipient    *ChannelAccount  `json:"recipient,omitempty"`
	Text         string           `json:"text,omitempty"`
	TextFormat   string           `json:"textFormat,omitempty"`
	ReplyToID    string           `json:"replyToId,omitempty"`
	Value        json.RawMessage  `json:"value,omitempty"`
	Entities     []Entity         `json:"entities,omitempty"`
	MembersAdded []ChannelAccount `json:"membersAdded,omitempty"`
	Attachments  []CardAttachment `json:"attachments,omitempty"`
}

// ConversationRef identifies the Teams-side conversation.
type ConversationRef struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId,omitempty"`
}

// ChannelAccount is a user or bot identity on the channel.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Entity carries activity metadata; mentions are the only kind this
// bot inspects.
type Entity struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Mentioned *ChannelAccount `json:"mentioned,omitempty"`
}

// CardAttachment attaches a card to an outbound activity.
type CardAttachment struct {
	ContentType string `json:"contentType"`
	Content     any    `json:"content"`
}

// HeroCard is the card used for feedback prompts.
type HeroCard struct {
	Text    string       `json:"text,omitempty"`
	Buttons []CardAction `json:"buttons,omitempty"`
}

// CardAction is a button on a card.
type CardAction struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Value       string `json:"value,omitempty"`
	Text        string `json:"text,omitempty"`
	DisplayText string `json:"displayText,omitempty"`
}

const heroCardContentType = "application/vnd.microsoft.card.hero"

// SessionKey derives the orchestrator session key for an activity.
// Teams conversation ids are already unique per tenant; the tenant id
// is prefixed when present so cross-tenant collisions are impossible.
func (a *Activity) SessionKey() string {
	if a.Conversation == nil {
		return "unknown"
	}
	if a.Conversation.TenantID != "" {
		return a.Conversation.TenantID + ":" + a.Conversation.ID
	}
	return a.Conversation.ID
}

// reply builds an outbound activity addressed back to the sender.
func (a *Activity) reply(activityType, text string) *Activity {
	return &Activity{
		Type:         activityType,
		ChannelID:    a.ChannelID,
		ServiceURL:   a.ServiceURL,
		Conversation: a.Conversation,
		From:         a.Recipient,
		Recipient:    a.From,
		ReplyToID:    a.ID,
		Text:         text,
	}
}
