package domain

// Turn is one inbound user message delivered by the messaging channel.
type Turn struct {
	BotID     string
	RemoteJID string
	PushName  string
	Content   string
}

// Outcome is the normalized result of one backend dispatch. An empty
// ConversationToken means the mode does not carry conversation continuity.
type Outcome struct {
	ReplyText         string
	ConversationToken string
}

// Part is one deliverable unit of a reply: either Text, or a media reference
// with an optional Caption.
type Part struct {
	Text     string
	Caption  string
	MediaURL string
}

// IsMedia reports whether the part references media.
func (p Part) IsMedia() bool {
	return p.MediaURL != ""
}

// PresenceState is the composing indicator shown to the remote user.
type PresenceState string

const (
	PresenceComposing PresenceState = "composing"
	PresencePaused    PresenceState = "paused"
)

// DispatchRequest carries everything a backend mode needs to shape one
// request for a turn.
type DispatchRequest struct {
	Session   Session
	Bot       BotConfig
	RemoteJID string
	PushName  string
	Content   string
	Server    ServerContext
}
