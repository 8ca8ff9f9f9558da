package domain

import "time"

// SessionStatus is the persisted lifecycle state of a Session.
type SessionStatus string

const (
	StatusOpened SessionStatus = "opened"
	StatusClosed SessionStatus = "closed"
)

// Session is one ongoing conversation between a remote identity and a bot.
//
// ConversationToken starts out equal to RemoteJID, which means no backend
// conversation has been established yet.
type Session struct {
	PK                string
	SK                string
	ID                string
	BotID             string
	RemoteJID         string
	ConversationToken string
	Status            SessionStatus
	AwaitUser         bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	TTL               int64
}

// HasConversation reports whether the backend has assigned a real
// conversation token to the session.
func (s Session) HasConversation() bool {
	return s.ConversationToken != "" && s.ConversationToken != s.RemoteJID
}

// SessionUpdate lists the fields to change on a persisted session. Nil fields
// are left untouched.
type SessionUpdate struct {
	Status            *SessionStatus
	AwaitUser         *bool
	ConversationToken *string
}

// IsEmpty reports whether the update changes nothing.
func (u SessionUpdate) IsEmpty() bool {
	return u.Status == nil && u.AwaitUser == nil && u.ConversationToken == nil
}
