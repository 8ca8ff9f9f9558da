package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"dify-relay/internal/domain"
	"dify-relay/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type TurnReceiver interface {
	Receive(ctx context.Context, turn domain.Turn) error
}

type Handler struct {
	relay TurnReceiver
}

type turnRequest struct {
	BotID     string `json:"botId"`
	RemoteJID string `json:"remoteJid"`
	PushName  string `json:"pushName"`
	Content   string `json:"content"`
}

type acceptedResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(relay TurnReceiver) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	return &Handler{relay: relay}, nil
}

// Handle accepts one inbound turn webhook. The turn is processed before the
// response is returned; delivery failures are not reported to the caller.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	logger := slog.With("correlation_id", corrID)

	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodPost {
		return jsonResponse(http.StatusMethodNotAllowed, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "method_not_allowed"}), nil
	}

	var in turnRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		logger.Warn("invalid request body", "err", err)
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"}), nil
	}

	err := h.relay.Receive(usecase.WithCorrelationID(ctx, corrID), domain.Turn{
		BotID:     in.BotID,
		RemoteJID: in.RemoteJID,
		PushName:  in.PushName,
		Content:   in.Content,
	})
	if err != nil {
		status, body := mapError(err)
		logger.Warn("turn rejected", "status", status, "code", body.Error, "err", err)
		return jsonResponse(status, corrID, body), nil
	}
	return jsonResponse(http.StatusAccepted, corrID, acceptedResponse{Status: "accepted"}), nil
}

func mapError(err error) (int, errorResponse) {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	body := errorResponse{Error: string(uerr.Code), Reason: uerr.Reason}
	switch uerr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, body
	case usecase.ErrorUnknownBot:
		return http.StatusNotFound, body
	case usecase.ErrorUpstream, usecase.ErrorStream:
		return http.StatusBadGateway, body
	default:
		return http.StatusInternalServerError, body
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return newUUID()
}

func jsonResponse(status int, corrID string, body any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(b),
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
