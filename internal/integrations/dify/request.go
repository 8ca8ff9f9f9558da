package dify

import (
	"strings"

	"dify-relay/internal/domain"
)

const (
	responseModeBlocking  = "blocking"
	responseModeStreaming = "streaming"

	// imageMarker flags channel content of the form
	// "imageMessage|<url>|<caption>".
	imageMarker = "imageMessage"
)

type requestInputs struct {
	Query        string `json:"query,omitempty"`
	RemoteJID    string `json:"remoteJid"`
	PushName     string `json:"pushName"`
	InstanceName string `json:"instanceName"`
	ServerURL    string `json:"serverUrl"`
	APIKey       string `json:"apiKey"`
}

type fileRef struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	URL            string `json:"url"`
}

// messageRequest is the body shared by chat-messages, completion-messages and
// workflows/run. Fields a mode does not use stay empty and are omitted.
type messageRequest struct {
	Inputs         requestInputs `json:"inputs"`
	Query          string        `json:"query,omitempty"`
	ResponseMode   string        `json:"response_mode"`
	ConversationID string        `json:"conversation_id,omitempty"`
	User           string        `json:"user"`
	Files          []fileRef     `json:"files,omitempty"`
}

// imageAttachment splits marker content into the caption text and a file
// reference whose URL has its query string removed. Content without the
// marker is returned unchanged with no file.
func imageAttachment(content string) (string, []fileRef) {
	if !strings.Contains(content, imageMarker) {
		return content, nil
	}
	fields := strings.SplitN(content, "|", 3)
	if len(fields) < 2 || strings.TrimSpace(fields[1]) == "" {
		return content, nil
	}
	url, _, _ := strings.Cut(strings.TrimSpace(fields[1]), "?")

	text := content
	if len(fields) == 3 && fields[2] != "" {
		text = fields[2]
	}
	return text, []fileRef{{
		Type:           "image",
		TransferMethod: "remote_url",
		URL:            url,
	}}
}

func baseInputs(req domain.DispatchRequest) requestInputs {
	return requestInputs{
		RemoteJID:    req.RemoteJID,
		PushName:     req.PushName,
		InstanceName: req.Server.InstanceName,
		ServerURL:    req.Server.ServerURL,
		APIKey:       req.Server.APIKey,
	}
}

// conversationID returns the id to continue, or "" when the session still
// holds the sentinel token.
func conversationID(s domain.Session) string {
	if s.HasConversation() {
		return s.ConversationToken
	}
	return ""
}

// queryRequest builds a body with the text as top-level query (chat, agent).
func queryRequest(req domain.DispatchRequest, mode string) messageRequest {
	text, files := imageAttachment(req.Content)
	return messageRequest{
		Inputs:         baseInputs(req),
		Query:          text,
		ResponseMode:   mode,
		ConversationID: conversationID(req.Session),
		User:           req.RemoteJID,
		Files:          files,
	}
}

// inputsQueryRequest builds a body with the text inside inputs.query
// (completion, workflow).
func inputsQueryRequest(req domain.DispatchRequest) messageRequest {
	text, files := imageAttachment(req.Content)
	in := baseInputs(req)
	in.Query = text
	return messageRequest{
		Inputs:       in,
		ResponseMode: responseModeBlocking,
		User:         req.RemoteJID,
		Files:        files,
	}
}
