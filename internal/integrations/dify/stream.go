package dify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"dify-relay/internal/domain"
)

const (
	eventAgentMessage = "agent_message"
	eventError        = "error"

	maxFrameSize = 1 << 20
)

// ErrStreamIdle is returned when no frame arrives within the idle timeout.
var ErrStreamIdle = errors.New("dify: stream idle timeout")

var framePrefix = regexp.MustCompile(`^data:\s*`)

type streamEvent struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// aggregate accumulates the agent answer and the first conversation id seen.
type aggregate struct {
	answer         strings.Builder
	conversationID string
	frames         int
	skipped        int
}

func (c *Client) stream(ctx context.Context, bot domain.BotConfig, suffix string, payload any) (*aggregate, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := endpointURL(bot.APIURL, suffix)
	req, err := c.newRequest(ctx, bot, url, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dify: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if err := checkStatus(res, url); err != nil {
		return nil, err
	}
	return c.consume(ctx, res.Body)
}

// consume reads line frames on a producer goroutine into a bounded channel
// and folds them into an aggregate. It returns when the body ends, the idle
// timeout fires or ctx is done. The caller must close body so a blocked read
// unblocks the producer.
func (c *Client) consume(ctx context.Context, body io.Reader) (*aggregate, error) {
	frames := make(chan string, c.streamBuffer)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(frames)
		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
		for sc.Scan() {
			select {
			case frames <- sc.Text():
			case <-done:
				return
			}
		}
		readErr <- sc.Err()
	}()

	agg := &aggregate{}
	idle := time.NewTimer(c.streamIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case line, ok := <-frames:
			if !ok {
				if err := <-readErr; err != nil {
					return nil, fmt.Errorf("dify: read stream: %w", err)
				}
				return agg, nil
			}
			idle.Reset(c.streamIdleTimeout)
			c.fold(agg, line)
		case <-idle.C:
			return nil, ErrStreamIdle
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// fold parses one frame. Blank lines and SSE control lines are ignored;
// malformed frames are counted and skipped.
func (c *Client) fold(agg *aggregate, line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "event:") || strings.HasPrefix(line, ":") {
		return
	}
	payload := framePrefix.ReplaceAllString(line, "")

	var evt streamEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		agg.skipped++
		c.logger.Debug("skipping malformed stream frame", "err", err)
		return
	}
	agg.frames++

	switch evt.Event {
	case eventAgentMessage:
		if agg.conversationID == "" {
			agg.conversationID = evt.ConversationID
		}
		agg.answer.WriteString(evt.Answer)
	case eventError:
		c.logger.Warn("backend stream reported error", "message", evt.Message)
	}
}
