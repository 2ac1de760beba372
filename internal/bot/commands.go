package bot

import (
	"fmt"
	"regexp"
	"strings"
)

const greetingReply = "Hello! I'm your Databricks Genie assistant. " +
	"Ask me questions about your data, and I'll help you find insights!"

const helpReply = "Ask me a question about your data in plain language, " +
	"for example \"show revenue by region\". I'll run it through Databricks Genie " +
	"and reply with the results. Follow-up questions stay in the same conversation."

const emptyMessageReply = "Please send me a question about your data."

// reservedReply returns a static reply for reserved commands, or ""
// when the text is a real question for Genie.
func reservedReply(text string) string {
	switch strings.ToLower(strings.TrimRight(strings.TrimSpace(text), "!.?")) {
	case "hello", "hi", "hey", "good morning", "good afternoon":
		return greetingReply
	case "help", "/help", "?":
		return helpReply
	}
	return ""
}

var atMentionMarkup = regexp.MustCompile(`<at>.*?</at>`)

// extractQuestion returns the user's text with bot mention markup and
// leading bot-name prefixes removed.
func extractQuestion(activity *Activity) string {
	text := activity.Text
	if text == "" {
		return ""
	}

	var names []string
	for _, entity := range activity.Entities {
		if entity.Type != "mention" {
			continue
		}
		if entity.Text != "" {
			text = strings.ReplaceAll(text, entity.Text, " ")
		}
		if entity.Mentioned != nil && entity.Mentioned.Name != "" {
			names = append(names, entity.Mentioned.Name)
		}
	}
	text = atMentionMarkup.ReplaceAllString(text, " ")

	if activity.Recipient != nil && activity.Recipient.Name != "" {
		names = append(names, activity.Recipient.Name)
	}
	for _, name := range names {
		pattern := regexp.MustCompile(`(?i)^\s*@?` + regexp.QuoteMeta(name) + `\b[:,-]*`)
		text = pattern.ReplaceAllString(text, " ")
	}

	return strings.TrimSpace(text)
}

// feedbackAction is the payload carried by the feedback card buttons.
type feedbackAction struct {
	Action         string `json:"action"`
	Rating         string `json:"rating"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// feedbackCard builds the thumbs up/down prompt sent after each
// answer.
func feedbackCard(conversationID, messageID string) HeroCard {
	return HeroCard{
		Text: "Was this response helpful?",
		Buttons: []CardAction{
			feedbackButton("\U0001F44D Yes", "positive", conversationID, messageID),
			feedbackButton("\U0001F44E No", "negative", conversationID, messageID),
		},
	}
}

func feedbackButton(title, rating, conversationID, messageID string) CardAction {
	value := fmt.Sprintf(`{"action":"feedback","rating":%q,"conversation_id":%q,"message_id":%q}`,
		rating, conversationID, messageID)
	return CardAction{
		Type:        "messageBack",
		Title:       title,
		Value:       value,
		Text:        "Thanks for the feedback!",
		DisplayText: title,
	}
}
