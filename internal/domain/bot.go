package domain

import (
	"fmt"
	"time"
)

// BotMode selects how turns are dispatched to the backend.
type BotMode string

const (
	ModeChat       BotMode = "chat"
	ModeCompletion BotMode = "completion"
	ModeAgent      BotMode = "agent"
	ModeWorkflow   BotMode = "workflow"
)

// ParseBotMode accepts the canonical mode names and the backend's own app
// type names (chatBot, textGenerator, agent, workflow).
func ParseBotMode(s string) (BotMode, error) {
	switch s {
	case "chat", "chatBot":
		return ModeChat, nil
	case "completion", "textGenerator":
		return ModeCompletion, nil
	case "agent":
		return ModeAgent, nil
	case "workflow":
		return ModeWorkflow, nil
	}
	return "", fmt.Errorf("domain: unknown bot mode %q", s)
}

const defaultDelay = time.Second

// BotConfig holds the immutable settings of one configured bot.
type BotConfig struct {
	ID     string
	APIURL string
	APIKey string
	Mode   BotMode

	// ExpireMinutes of zero disables idle expiry.
	ExpireMinutes  int
	KeepOpen       bool
	KeywordFinish  string
	UnknownMessage string
	DelayMessage   time.Duration
}

// MessageDelay returns the configured inter-message delay, defaulting to one
// second when unset.
func (b BotConfig) MessageDelay() time.Duration {
	if b.DelayMessage <= 0 {
		return defaultDelay
	}
	return b.DelayMessage
}

// ServerContext is forwarded to the backend in every request's inputs so the
// backend can call back into this service.
type ServerContext struct {
	ServerURL    string
	APIKey       string
	InstanceName string
}
