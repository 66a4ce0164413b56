package protocol

import "context"

// Channel is the delivery medium of a message.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Message is a rendered notification ready for delivery.
type Message struct {
	OrganizationID string            `json:"organization_id"`
	ExecutionID    string            `json:"execution_id"`
	NodeID         string            `json:"node_id"`
	Channel        Channel           `json:"channel"`
	To             string            `json:"to"`
	Subject        string            `json:"subject,omitempty"`
	Body           string            `json:"body"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
