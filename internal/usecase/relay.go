package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dify-relay/internal/domain"
	"dify-relay/internal/reply"
)

type SessionStore interface {
	Create(ctx context.Context, botID, remoteJID string) (domain.Session, error)
	Get(ctx context.Context, botID, remoteJID string) (*domain.Session, error)
	Update(ctx context.Context, s domain.Session, upd domain.SessionUpdate) error
	DeleteAll(ctx context.Context, botID, remoteJID string) error
}

type Channel interface {
	SendText(ctx context.Context, remoteJID, text string, delay time.Duration) error
	SendMedia(ctx context.Context, remoteJID, mediaURL, caption string, delay time.Duration) error
	SetPresence(ctx context.Context, remoteJID string, state domain.PresenceState) error
	SubscribePresence(ctx context.Context, remoteJID string) error
}

type Backend interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Outcome, error)
}

type BotRegistry interface {
	Bot(id string) (domain.BotConfig, bool)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Relay routes inbound turns to the backend and delivers the replies.
type Relay struct {
	store   SessionStore
	backend Backend
	channel Channel
	bots    BotRegistry
	server  domain.ServerContext
	logger  *slog.Logger
	locks   *keyedLocks
}

func NewRelay(store SessionStore, backend Backend, channel Channel, bots BotRegistry, server domain.ServerContext, logger *slog.Logger) (*Relay, error) {
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if backend == nil {
		return nil, errors.New("usecase: backend must not be nil")
	}
	if channel == nil {
		return nil, errors.New("usecase: channel must not be nil")
	}
	if bots == nil {
		return nil, errors.New("usecase: bot registry must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:   store,
		backend: backend,
		channel: channel,
		bots:    bots,
		server:  server,
		logger:  logger,
		locks:   newKeyedLocks(),
	}, nil
}

type correlationKey struct{}

// WithCorrelationID attaches id to ctx so relay logs can be joined with the
// inbound request.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Receive validates turn, serializes it against other turns of the same
// session and handles it. Only input errors are returned; everything after
// validation is logged and dropped.
func (r *Relay) Receive(ctx context.Context, turn domain.Turn) error {
	turn.BotID = strings.TrimSpace(turn.BotID)
	turn.RemoteJID = strings.TrimSpace(turn.RemoteJID)
	if turn.BotID == "" {
		return newError(ErrorInvalidInput, "missing_bot_id", nil)
	}
	if turn.RemoteJID == "" {
		return newError(ErrorInvalidInput, "missing_remote_jid", nil)
	}
	bot, ok := r.bots.Bot(turn.BotID)
	if !ok {
		return newError(ErrorUnknownBot, "bot_not_configured", fmt.Errorf("bot %q", turn.BotID))
	}

	unlock := r.locks.Lock(turn.BotID + "\x00" + turn.RemoteJID)
	defer unlock()

	session, err := r.store.Get(ctx, bot.ID, turn.RemoteJID)
	if err != nil {
		r.logFailure(r.turnLogger(ctx, turn), newError(ErrorStore, "session_get_error", err))
		return nil
	}
	r.HandleTurn(ctx, bot, session, turn)
	return nil
}

// HandleTurn evaluates the session state for turn, dispatches to the backend
// when warranted, delivers the reply parts and persists the session. session
// is nil when the pair has none. Failures are logged, never returned.
func (r *Relay) HandleTurn(ctx context.Context, bot domain.BotConfig, session *domain.Session, turn domain.Turn) {
	logger := r.turnLogger(ctx, turn)
	if err := r.handleTurn(ctx, logger, bot, session, turn); err != nil {
		r.logFailure(logger, err)
	}
}

func (r *Relay) handleTurn(ctx context.Context, logger *slog.Logger, bot domain.BotConfig, session *domain.Session, turn domain.Turn) error {
	d := Evaluate(session, bot, turn.Content, now())
	logger.Debug("turn evaluated",
		"action", d.Action,
		"retire", d.Retire,
		"create", d.Create,
		"refresh", d.Refresh,
	)
	if d.Action == ActionIgnore {
		return nil
	}

	if d.Retire {
		if err := r.retire(ctx, bot, *session); err != nil {
			return newError(ErrorStore, "session_retire_error", err)
		}
		logger.Info("session expired", "session_id", session.ID, "keep_open", bot.KeepOpen)
	}
	if d.Create {
		created, err := r.store.Create(ctx, bot.ID, turn.RemoteJID)
		if err != nil {
			return newError(ErrorStore, "session_create_error", err)
		}
		session = &created
		logger.Info("session created", "session_id", created.ID)
	}
	if d.Refresh {
		opened, awaiting := domain.StatusOpened, false
		if err := r.store.Update(ctx, *session, domain.SessionUpdate{Status: &opened, AwaitUser: &awaiting}); err != nil {
			return newError(ErrorStore, "session_refresh_error", err)
		}
	}

	switch d.Action {
	case ActionSilent:
		return nil
	case ActionFallback:
		if err := r.channel.SendText(ctx, turn.RemoteJID, bot.UnknownMessage, bot.MessageDelay()); err != nil {
			return newError(ErrorUpstream, "channel_send_error", err)
		}
		return nil
	case ActionFinish:
		if err := r.retire(ctx, bot, *session); err != nil {
			return newError(ErrorStore, "session_finish_error", err)
		}
		logger.Info("session finished", "session_id", session.ID, "keep_open", bot.KeepOpen)
		return nil
	}
	return r.deliver(ctx, logger, bot, *session, turn)
}

// retire closes the session when the bot keeps sessions open, otherwise it
// deletes every record of the pair.
func (r *Relay) retire(ctx context.Context, bot domain.BotConfig, s domain.Session) error {
	if bot.KeepOpen {
		closed := domain.StatusClosed
		return r.store.Update(ctx, s, domain.SessionUpdate{Status: &closed})
	}
	return r.store.DeleteAll(ctx, s.BotID, s.RemoteJID)
}

func (r *Relay) deliver(ctx context.Context, logger *slog.Logger, bot domain.BotConfig, s domain.Session, turn domain.Turn) error {
	if err := r.channel.SubscribePresence(ctx, turn.RemoteJID); err != nil {
		logger.Warn("presence subscribe failed", "err", err)
	}

	outcome, err := r.dispatch(ctx, logger, domain.DispatchRequest{
		Session:   s,
		Bot:       bot,
		RemoteJID: turn.RemoteJID,
		PushName:  turn.PushName,
		Content:   turn.Content,
		Server:    r.server,
	})
	if err != nil {
		return dispatchError(bot.Mode, err)
	}

	parts := reply.Split(outcome.ReplyText)
	delay := bot.MessageDelay()
	for i, p := range parts {
		var sendErr error
		if p.IsMedia() {
			sendErr = r.channel.SendMedia(ctx, turn.RemoteJID, p.MediaURL, p.Caption, delay)
		} else {
			sendErr = r.channel.SendText(ctx, turn.RemoteJID, p.Text, delay)
		}
		if sendErr != nil {
			logger.Warn("reply part not delivered", "part", i, "media", p.IsMedia(), "err", sendErr)
		}
	}

	opened, awaiting := domain.StatusOpened, true
	upd := domain.SessionUpdate{Status: &opened, AwaitUser: &awaiting}
	if outcome.ConversationToken != "" {
		upd.ConversationToken = &outcome.ConversationToken
	}
	if err := r.store.Update(ctx, s, upd); err != nil {
		return newError(ErrorStore, "session_update_error", err)
	}
	logger.Info("turn delivered", "session_id", s.ID, "parts", len(parts))
	return nil
}

// dispatch wraps the backend call in the composing/paused presence pair.
func (r *Relay) dispatch(ctx context.Context, logger *slog.Logger, req domain.DispatchRequest) (domain.Outcome, error) {
	if err := r.channel.SetPresence(ctx, req.RemoteJID, domain.PresenceComposing); err != nil {
		logger.Warn("presence update failed", "state", domain.PresenceComposing, "err", err)
	}
	defer func() {
		if err := r.channel.SetPresence(ctx, req.RemoteJID, domain.PresencePaused); err != nil {
			logger.Warn("presence update failed", "state", domain.PresencePaused, "err", err)
		}
	}()
	return r.backend.Dispatch(ctx, req)
}

func dispatchError(mode domain.BotMode, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok {
		return newError(ErrorUpstream, fmt.Sprintf("backend_status_%d", status), err)
	}
	if mode == domain.ModeAgent {
		return newError(ErrorStream, "stream_error", err)
	}
	return newError(ErrorUpstream, "backend_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func (r *Relay) turnLogger(ctx context.Context, turn domain.Turn) *slog.Logger {
	logger := r.logger.With("bot_id", turn.BotID, "remote_jid", turn.RemoteJID)
	if id := correlationID(ctx); id != "" {
		logger = logger.With("correlation_id", id)
	}
	return logger
}

func (r *Relay) logFailure(logger *slog.Logger, err error) {
	var uerr *Error
	if errors.As(err, &uerr) {
		logger.Error("turn dropped", "code", uerr.Code, "reason", uerr.Reason, "err", uerr.Err)
		return
	}
	logger.Error("turn dropped", "code", ErrorInternal, "err", err)
}

var now = time.Now
