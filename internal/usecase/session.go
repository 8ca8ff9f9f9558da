package usecase

import (
	"strings"
	"time"

	"dify-relay/internal/domain"
)

// Action is what a turn does after session evaluation.
type Action string

const (
	ActionIgnore   Action = "ignore"
	ActionSilent   Action = "silent"
	ActionFallback Action = "fallback"
	ActionFinish   Action = "finish"
	ActionDispatch Action = "dispatch"
)

// Decision is the outcome of evaluating one turn against the current session.
// Retire, Create and Refresh are applied in that order before Action.
type Decision struct {
	Action Action
	// Retire closes or deletes the existing session (per keep-open).
	Retire bool
	// Create opens a new session for the pair.
	Create bool
	// Refresh marks the existing session opened and not awaiting the user.
	Refresh bool
}

// Evaluate decides how a turn with content is handled given the current
// session (nil when absent). It has no side effects.
//
// A session that is not opened swallows every turn until something outside
// the relay reopens it. Expiry is checked before the finish keyword, and a
// freshly created session never matches the keyword. Whitespace-only content
// counts as empty.
func Evaluate(s *domain.Session, bot domain.BotConfig, content string, now time.Time) Decision {
	var d Decision
	switch {
	case s == nil:
		d.Create = true
	case s.Status != domain.StatusOpened:
		return Decision{Action: ActionIgnore}
	case expired(*s, bot.ExpireMinutes, now):
		d.Retire = true
		d.Create = true
	default:
		d.Refresh = true
	}

	if strings.TrimSpace(content) == "" {
		d.Action = ActionSilent
		if bot.UnknownMessage != "" {
			d.Action = ActionFallback
		}
		return d
	}
	if d.Refresh && matchesKeyword(bot.KeywordFinish, content) {
		d.Action = ActionFinish
		return d
	}
	d.Action = ActionDispatch
	return d
}

// expired compares whole elapsed minutes strictly against the threshold, so a
// 30 minute limit still accepts a turn exactly 30 minutes later.
func expired(s domain.Session, expireMinutes int, now time.Time) bool {
	if expireMinutes <= 0 {
		return false
	}
	last := s.UpdatedAt
	if last.IsZero() {
		last = s.CreatedAt
	}
	if last.IsZero() {
		return false
	}
	return int(now.Sub(last)/time.Minute) > expireMinutes
}

func matchesKeyword(keyword, content string) bool {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return false
	}
	return strings.EqualFold(keyword, strings.TrimSpace(content))
}
