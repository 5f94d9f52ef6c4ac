package realtime

// Wire events exchanged with the backend over the persistent connection.
// Every frame is a JSON text message of the form
// {"event": "<name>", "data": {...}}.
const (
	// Client to backend.
	EventJoinChat    = "join_chat"
	EventLeaveChat   = "leave_chat"
	EventSendMessage = "send_message"
	EventTyping      = "typing"

	// Backend to client.
	EventNewMessage = "new_message"
	EventUserTyping = "user_typing"
)

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// roomRef scopes delivery to one (self, peer) pair.
type roomRef struct {
	UserID      int64 `json:"user_id"`
	OtherUserID int64 `json:"other_user_id"`
}

type outboundMessage struct {
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

// TypingSignal is a typing-state change. OtherUserID is only present on the
// outbound leg; the backend strips it before relaying to the room.
type TypingSignal struct {
	UserID      int64 `json:"user_id"`
	OtherUserID int64 `json:"other_user_id,omitempty"`
	IsTyping    bool  `json:"is_typing"`
}
