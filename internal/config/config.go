// Package config loads the bot registry from a TOML file.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"dify-relay/internal/domain"
)

type File struct {
	Bots []BotEntry `toml:"bots"`
}

type BotEntry struct {
	ID             string `toml:"id"`
	Mode           string `toml:"mode"`
	APIURL         string `toml:"api_url"`
	APIKey         string `toml:"api_key"`
	APIKeyParam    string `toml:"api_key_param"`
	ExpireMinutes  int    `toml:"expire_minutes"`
	KeepOpen       bool   `toml:"keep_open"`
	KeywordFinish  string `toml:"keyword_finish"`
	UnknownMessage string `toml:"unknown_message"`
	DelayMessageMS int    `toml:"delay_message_ms"`
}

// TokenGetter resolves a secret parameter name to its token.
type TokenGetter interface {
	GetToken(ctx context.Context, name string) (string, error)
}

// Load reads the registry file at path, expanding ${VAR} references from the
// environment before decoding.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(string(data))
}

// Parse decodes and validates registry TOML.
func Parse(data string) (*File, error) {
	var f File
	md, err := toml.Decode(expandEnvVars(data), &f)
	if err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q", undecoded[0].String())
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}
	return &f, nil
}

var envVar = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVar.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}

// Validate checks every bot entry and rejects duplicate ids.
func (f *File) Validate() error {
	if len(f.Bots) == 0 {
		return errors.New("at least one [[bots]] entry is required")
	}
	seen := make(map[string]struct{}, len(f.Bots))
	for i, b := range f.Bots {
		if b.ID == "" {
			return fmt.Errorf("bots[%d].id is required", i)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("bots[%d].id %q is duplicated", i, b.ID)
		}
		seen[b.ID] = struct{}{}

		if _, err := domain.ParseBotMode(b.Mode); err != nil {
			return fmt.Errorf("bots[%d].mode: %w", i, err)
		}
		u, err := url.Parse(b.APIURL)
		if err != nil {
			return fmt.Errorf("bots[%d].api_url is not a valid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("bots[%d].api_url must use http or https scheme", i)
		}
		if b.APIKey == "" && b.APIKeyParam == "" {
			return fmt.Errorf("bots[%d] needs api_key or api_key_param", i)
		}
		if b.ExpireMinutes < 0 {
			return fmt.Errorf("bots[%d].expire_minutes must not be negative", i)
		}
		if b.DelayMessageMS < 0 {
			return fmt.Errorf("bots[%d].delay_message_ms must not be negative", i)
		}
	}
	return nil
}

// Registry is the immutable set of configured bots, keyed by id.
type Registry struct {
	bots map[string]domain.BotConfig
}

// ResolveSecrets builds the Registry, reading api_key_param secrets through
// tokens. A literal api_key wins over api_key_param.
func ResolveSecrets(ctx context.Context, f *File, tokens TokenGetter) (*Registry, error) {
	if f == nil {
		return nil, errors.New("config: file must not be nil")
	}
	reg := &Registry{bots: make(map[string]domain.BotConfig, len(f.Bots))}
	for _, b := range f.Bots {
		mode, err := domain.ParseBotMode(b.Mode)
		if err != nil {
			return nil, fmt.Errorf("config: bot %s: %w", b.ID, err)
		}
		key := b.APIKey
		if key == "" {
			if tokens == nil {
				return nil, fmt.Errorf("config: bot %s: api_key_param set but no token source", b.ID)
			}
			key, err = tokens.GetToken(ctx, b.APIKeyParam)
			if err != nil {
				return nil, fmt.Errorf("config: bot %s api key: %w", b.ID, err)
			}
		}
		reg.bots[b.ID] = domain.BotConfig{
			ID:             b.ID,
			APIURL:         strings.TrimRight(b.APIURL, "/"),
			APIKey:         key,
			Mode:           mode,
			ExpireMinutes:  b.ExpireMinutes,
			KeepOpen:       b.KeepOpen,
			KeywordFinish:  b.KeywordFinish,
			UnknownMessage: b.UnknownMessage,
			DelayMessage:   time.Duration(b.DelayMessageMS) * time.Millisecond,
		}
	}
	return reg, nil
}

// Bot returns the configuration of bot id.
func (r *Registry) Bot(id string) (domain.BotConfig, bool) {
	b, ok := r.bots[id]
	return b, ok
}

// Len reports the number of configured bots.
func (r *Registry) Len() int {
	return len(r.bots)
}
