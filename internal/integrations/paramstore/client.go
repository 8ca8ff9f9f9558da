package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// tokenPayload is the JSON shape stored in SSM for every secret token.
type tokenPayload struct {
	Token string `json:"token"`
}

// Client wraps an AWS SSM API for parameter and secret token retrieval.
// Tokens are cached for the lifetime of the process.
type Client struct {
	api ssmAPI

	mu     sync.Mutex
	tokens map[string]string
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, tokens: make(map[string]string)}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// GetToken reads a {"token":"..."} parameter and returns the token. Successful
// reads are cached; failures are not, so a later call retries SSM.
func (c *Client) GetToken(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)

	c.mu.Lock()
	if tok, ok := c.tokens[name]; ok {
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	raw, err := c.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	tok, err := decodeToken(raw)
	if err != nil {
		return "", fmt.Errorf("paramstore: token %q: %w", name, err)
	}

	c.mu.Lock()
	if c.tokens == nil {
		c.tokens = make(map[string]string)
	}
	c.tokens[name] = tok
	c.mu.Unlock()
	return tok, nil
}

func decodeToken(raw string) (string, error) {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("unmarshal value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("token is empty")
	}
	return tp.Token, nil
}
