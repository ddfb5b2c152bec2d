package bus

// EventKind names the inbound events the router understands.
type EventKind string

const (
	EventStart EventKind = "start"
	EventReset EventKind = "reset"
	EventHelp  EventKind = "help"
	EventText  EventKind = "text"
)

type InboundMessage struct {
	Channel     string            `json:"channel"`
	Kind        EventKind         `json:"kind"`
	SenderID    string            `json:"sender_id"`
	ChatID      string            `json:"chat_id"`
	DisplayName string            `json:"display_name,omitempty"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
