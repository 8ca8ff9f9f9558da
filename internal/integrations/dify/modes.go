package dify

import (
	"context"
	"fmt"

	"dify-relay/internal/domain"
)

type answerResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

type workflowResponse struct {
	WorkflowRunID string `json:"workflow_run_id"`
	Data          struct {
		Status  string `json:"status"`
		Error   string `json:"error"`
		Outputs struct {
			Text string `json:"text"`
		} `json:"outputs"`
	} `json:"data"`
}

// continuedToken keeps an established token and otherwise adopts the one the
// backend just assigned.
func continuedToken(s domain.Session, assigned string) string {
	if s.HasConversation() {
		return s.ConversationToken
	}
	return assigned
}

// ChatMode posts a blocking chat-messages request.
type ChatMode struct {
	client *Client
}

func (m ChatMode) Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Outcome, error) {
	var out answerResponse
	if err := m.client.postJSON(ctx, req.Bot, "chat-messages", queryRequest(req, responseModeBlocking), &out); err != nil {
		return domain.Outcome{}, fmt.Errorf("dify: chat: %w", err)
	}
	return domain.Outcome{
		ReplyText:         out.Answer,
		ConversationToken: continuedToken(req.Session, out.ConversationID),
	}, nil
}

// CompletionMode posts a blocking completion-messages request. The text goes
// in inputs.query.
type CompletionMode struct {
	client *Client
}

func (m CompletionMode) Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Outcome, error) {
	body := inputsQueryRequest(req)
	body.ConversationID = conversationID(req.Session)

	var out answerResponse
	if err := m.client.postJSON(ctx, req.Bot, "completion-messages", body, &out); err != nil {
		return domain.Outcome{}, fmt.Errorf("dify: completion: %w", err)
	}
	return domain.Outcome{
		ReplyText:         out.Answer,
		ConversationToken: continuedToken(req.Session, out.ConversationID),
	}, nil
}

// WorkflowMode runs a workflow. Workflows carry no conversation, so the
// outcome never has a token.
type WorkflowMode struct {
	client *Client
}

func (m WorkflowMode) Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Outcome, error) {
	var out workflowResponse
	if err := m.client.postJSON(ctx, req.Bot, "workflows/run", inputsQueryRequest(req), &out); err != nil {
		return domain.Outcome{}, fmt.Errorf("dify: workflow: %w", err)
	}
	if out.Data.Status == "failed" {
		msg := out.Data.Error
		if msg == "" {
			msg = "workflow run failed"
		}
		return domain.Outcome{}, fmt.Errorf("dify: workflow %s failed: %s", out.WorkflowRunID, msg)
	}
	return domain.Outcome{ReplyText: out.Data.Outputs.Text}, nil
}

// AgentStreamMode posts a streaming chat-messages request and aggregates the
// agent_message events.
type AgentStreamMode struct {
	client *Client
}

func (m AgentStreamMode) Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Outcome, error) {
	agg, err := m.client.stream(ctx, req.Bot, "chat-messages", queryRequest(req, responseModeStreaming))
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("dify: agent: %w", err)
	}
	token := agg.conversationID
	if token == "" {
		token = conversationID(req.Session)
	}
	return domain.Outcome{
		ReplyText:         agg.answer.String(),
		ConversationToken: token,
	}, nil
}
