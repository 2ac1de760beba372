package genie

// MessageStatus is the lifecycle status of a Genie message.
type MessageStatus string

const (
	StatusPending         MessageStatus = "PENDING"
	StatusExecuting       MessageStatus = "EXECUTING"
	StatusExecutingQuery  MessageStatus = "EXECUTING_QUERY"
	StatusRunning         MessageStatus = "RUNNING"
	StatusQueryingHistory MessageStatus = "QUERYING_HISTORY"
	StatusCompleted       MessageStatus = "COMPLETED"
	StatusFailed          MessageStatus = "FAILED"
	StatusCancelled       MessageStatus = "CANCELLED"
)

// Terminal reports whether the status ends the polling loop. Unknown
// statuses are treated as in-progress so new API states do not break
// the state machine.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Message is a Genie message as returned by the message endpoints.
type Message struct {
	ID             string        `json:"id"`
	MessageID      string        `json:"message_id"`
	ConversationID string        `json:"conversation_id"`
	Status         MessageStatus `json:"status"`
	Content        string        `json:"content"`
	Attachments    []Attachment  `json:"attachments"`
	Error          *MessageError `json:"error,omitempty"`
}

// Identifier returns whichever of the two message id fields the API
// populated.
func (m *Message) Identifier() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.ID
}

// MessageError is the error block Genie attaches to FAILED messages.
type MessageError struct {
	Type    string `json:"type"`
	Message string `json:"error"`
}

// Attachment carries either narrative text or a generated SQL query.
type Attachment struct {
	AttachmentID string           `json:"attachment_id"`
	Text         *TextAttachment  `json:"text,omitempty"`
	Query        *QueryAttachment `json:"query,omitempty"`
}

// TextAttachment is Genie's narrative answer.
type TextAttachment struct {
	Content string `json:"content"`
}

// QueryAttachment describes the SQL Genie generated for a question.
type QueryAttachment struct {
	Query       string `json:"query"`
	Description string `json:"description"`
	StatementID string `json:"statement_id"`
}

// QueryResult is the tabular result of an executed query attachment.
// Cells are strings as delivered by the statement execution API; nil
// marks SQL NULL.
type QueryResult struct {
	Columns   []Column
	Rows      [][]*string
	Truncated bool
}

// Column is one result column, in manifest order.
type Column struct {
	Name     string
	TypeName string
}

// startConversationRequest and friends mirror the Genie REST payloads.
type startConversationRequest struct {
	Content string `json:"content"`
}

type startConversationResponse struct {
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	Conversation   *idBlock `json:"conversation,omitempty"`
	Message        *idBlock `json:"message,omitempty"`
}

type idBlock struct {
	ID string `json:"id"`
}

type createMessageRequest struct {
	Content string `json:"content"`
}

type createMessageResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
}

type feedbackRequest struct {
	Rating string `json:"rating"`
}

// queryResultResponse mirrors the attachment query-result payload.
type queryResultResponse struct {
	StatementResponse struct {
		Status struct {
			State string `json:"state"`
		} `json:"status"`
		Manifest struct {
			Schema struct {
				Columns []struct {
					Name     string `json:"name"`
					TypeName string `json:"type_name"`
				} `json:"columns"`
			} `json:"schema"`
			Truncated bool `json:"truncated"`
		} `json:"manifest"`
		Result struct {
			DataArray [][]*string `json:"data_array"`
		} `json:"result"`
	} `json:"statement_response"`
}
