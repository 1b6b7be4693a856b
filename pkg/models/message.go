package models

// RenderedMessage is personalized content ready for delivery.
type RenderedMessage struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	From    string `json:"from,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type Recipient struct {
	SubjectID string `json:"subject_id"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Name      string `json:"name,omitempty"`
}

// DeliveryResult is what a delivery adapter reports for one message.
// Scheduled is set by adapters that accept the message for later sending.
type DeliveryResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Scheduled bool   `json:"scheduled,omitempty"`
}
