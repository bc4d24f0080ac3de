// ABOUTME: Wire types for Messenger webhook events and Send API requests.
// ABOUTME: Mirrors the JSON shapes posted by Facebook and accepted by the Graph API.

package messenger

// ObjectPage is the only webhook object type this service handles.
const ObjectPage = "page"

// WebhookEvent is the body of a POST to the webhook endpoint.
type WebhookEvent struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups messaging events for one page.
type Entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []Messaging `json:"messaging"`
}

// Messaging is a single user interaction: a message or a postback.
type Messaging struct {
	Sender    Party     `json:"sender"`
	Recipient Party     `json:"recipient"`
	Timestamp int64     `json:"timestamp"`
	Message   *Message  `json:"message,omitempty"`
	Postback  *Postback `json:"postback,omitempty"`
}

// Party identifies a page-scoped user or the page itself.
type Party struct {
	ID string `json:"id"`
}

// Message is an inbound user message.
type Message struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text,omitempty"`
	IsEcho      bool         `json:"is_echo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	QuickReply  *QuickReply  `json:"quick_reply,omitempty"`
}

// Attachment is an inbound media attachment. Only its type is inspected.
type Attachment struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// QuickReply carries the developer payload of a tapped quick reply.
type QuickReply struct {
	Payload string `json:"payload"`
}

// Postback is sent when the user taps a button.
type Postback struct {
	MID     string `json:"mid,omitempty"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// AttachmentTypes lists the attachment types in order, for logging.
func (m *Message) AttachmentTypes() []string {
	types := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		types = append(types, a.Type)
	}
	return types
}

// SendRequest is the body of a Send API call.
type SendRequest struct {
	Recipient     Party        `json:"recipient"`
	MessagingType string       `json:"messaging_type,omitempty"`
	Message       *SendMessage `json:"message,omitempty"`
	SenderAction  string       `json:"sender_action,omitempty"`
}

// SendMessage is an outbound message: text or a single attachment.
type SendMessage struct {
	Text       string          `json:"text,omitempty"`
	Attachment *SendAttachment `json:"attachment,omitempty"`
}

// SendAttachment references media for an outbound message.
type SendAttachment struct {
	Type    string            `json:"type"`
	Payload AttachmentPayload `json:"payload"`
}

// AttachmentPayload points at a previously uploaded, reusable attachment.
type AttachmentPayload struct {
	AttachmentID string `json:"attachment_id,omitempty"`
	IsReusable   bool   `json:"is_reusable,omitempty"`
}

// Sender actions.
const (
	ActionTypingOn  = "typing_on"
	ActionTypingOff = "typing_off"
	ActionMarkSeen  = "mark_seen"
)

// MessagingTypeResponse marks replies to a user message.
const MessagingTypeResponse = "RESPONSE"

// graphError is the error envelope returned by the Graph API.
type graphError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}
