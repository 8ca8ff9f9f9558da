// Package matrix delivers relay replies to Matrix rooms.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"dify-relay/internal/domain"
)

const (
	// typingTimeout bounds how long a composing indicator stays visible if
	// the paused update never arrives.
	typingTimeout  = 30 * time.Second
	networkTimeout = 10 * time.Second
	sendTimeout    = 30 * time.Second
)

// matrixAPI is the subset of *mautrix.Client used by Channel.
type matrixAPI interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	UploadLink(ctx context.Context, link string) (*mautrix.RespMediaUpload, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
}

// Channel implements the messaging channel on top of a Matrix client. The
// remote identity of a turn is the room id.
type Channel struct {
	api    matrixAPI
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewClient logs a mautrix client in with an access token.
func NewClient(homeserver, userID, accessToken string) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: creating client: %w", err)
	}
	return client, nil
}

// New creates a Channel.
func New(api matrixAPI, logger *slog.Logger) (*Channel, error) {
	if api == nil {
		return nil, errors.New("matrix: api must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{api: api, logger: logger, sleep: sleepCtx}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func roomID(remoteJID string) (id.RoomID, error) {
	remoteJID = strings.TrimSpace(remoteJID)
	if remoteJID == "" {
		return "", errors.New("matrix: room id is required")
	}
	return id.RoomID(remoteJID), nil
}

// SendText waits delay, then posts text to the room.
func (c *Channel) SendText(ctx context.Context, remoteJID, text string, delay time.Duration) error {
	room, err := roomID(remoteJID)
	if err != nil {
		return err
	}
	if err := c.sleep(ctx, delay); err != nil {
		return fmt.Errorf("matrix: SendText: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := c.api.SendText(ctx, room, text); err != nil {
		return fmt.Errorf("matrix: SendText: %w", err)
	}
	return nil
}

// SendMedia waits delay, re-hosts mediaURL on the homeserver and posts it as
// an image with caption as body.
func (c *Channel) SendMedia(ctx context.Context, remoteJID, mediaURL, caption string, delay time.Duration) error {
	room, err := roomID(remoteJID)
	if err != nil {
		return err
	}
	if err := c.sleep(ctx, delay); err != nil {
		return fmt.Errorf("matrix: SendMedia: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	upload, err := c.api.UploadLink(ctx, mediaURL)
	if err != nil {
		return fmt.Errorf("matrix: SendMedia upload %s: %w", mediaURL, err)
	}
	c.logger.Debug("media re-hosted", "room_id", room, "source", mediaURL, "content_uri", upload.ContentURI.String())
	body := caption
	if body == "" {
		body = mediaURL
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    body,
		URL:     upload.ContentURI.CUString(),
	}
	if _, err := c.api.SendMessageEvent(ctx, room, event.EventMessage, content); err != nil {
		return fmt.Errorf("matrix: SendMedia: %w", err)
	}
	return nil
}

// SetPresence maps composing/paused onto the room typing indicator.
func (c *Channel) SetPresence(ctx context.Context, remoteJID string, state domain.PresenceState) error {
	room, err := roomID(remoteJID)
	if err != nil {
		return err
	}
	typing := state == domain.PresenceComposing
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := c.api.UserTyping(ctx, room, typing, timeout); err != nil {
		return fmt.Errorf("matrix: SetPresence %s: %w", state, err)
	}
	return nil
}

// SubscribePresence is a no-op: Matrix typing state is scoped to the room
// and needs no subscription.
func (c *Channel) SubscribePresence(_ context.Context, remoteJID string) error {
	_, err := roomID(remoteJID)
	return err
}
