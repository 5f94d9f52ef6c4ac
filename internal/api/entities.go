package api

import (
	"fmt"
	"strings"
	"time"
)

// Timestamp unmarshals both RFC 3339 timestamps and the backend's bare ISO
// format without a zone designator. Naive timestamps are taken as UTC.
type Timestamp struct {
	time.Time
}

const naiveISOFormat = "2006-01-02T15:04:05.999999999"

// ParseTimestamp parses a backend timestamp string.
func ParseTimestamp(s string) (Timestamp, error) {
	if s == "" {
		return Timestamp{}, nil
	}

	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{Time: parsed}, nil
	}

	parsed, err := time.ParseInLocation(naiveISOFormat, s, time.UTC)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return Timestamp{Time: parsed}, nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		t.Time = time.Time{}
		return nil
	}

	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed.Time
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}

// User is a read-only reference to a backend-owned profile.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Bio       string `json:"bio,omitempty"`
}

// DisplayName prefers the full name and falls back to the username.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// Message is a single chat message. IsOwn is backend-provided on history
// reads; for messages arriving over the real-time channel it must be derived
// by the receiver from SenderID.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  Timestamp `json:"created_at"`
	IsOwn      bool      `json:"is_own"`
}

// Conversation aggregates everything exchanged with one peer.
type Conversation struct {
	User        User    `json:"user"`
	LastMessage Message `json:"last_message"`
	UnreadCount int64   `json:"unread_count"`
}

// Pagination mirrors the history endpoint's paging envelope.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
	Pages   int `json:"pages"`
}

// Credentials is the token pair issued on login.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
