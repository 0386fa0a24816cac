// Package ai wraps the chat-completion providers behind one streaming call.
// Providers are configured in config.json; deepseek (OpenAI-compatible) is
// the default, gemini and claude are wired the same way.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"classpilot/internal/config"
	"classpilot/internal/models"
)

const (
	defaultTemperature float32 = 0.7
	defaultMaxTokens           = 800
)

// Service drives one configured chat model.
type Service struct {
	chatModel model.BaseChatModel
	provider  string
}

// NewService builds the chat model for the named provider.
func NewService(ctx context.Context, provider string, cfg *config.Config) (*Service, error) {
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	apiKey := ""
	if provCfg.APIKeyEnv != "" {
		apiKey = os.Getenv(provCfg.APIKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("provider %s: api key env %s is empty", provider, provCfg.APIKeyEnv)
	}

	temperature := defaultTemperature
	if provCfg.Temp != nil {
		temperature = *provCfg.Temp
	}
	maxTokens := provCfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var chatModel model.BaseChatModel
	var err error
	switch provider {
	case "deepseek", "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     provCfg.BaseURL,
			Model:       provCfg.Model,
			APIKey:      apiKey,
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &Service{chatModel: chatModel, provider: provider}, nil
}

// Provider reports the configured provider name.
func (s *Service) Provider() string { return s.provider }

// StreamChat requests a streamed completion over the full message list and
// forwards each incremental fragment to callback as it arrives. It returns
// the accumulated text once the stream is drained. Provider failures map to
// the ErrProvider* taxonomy; a callback error aborts the stream and is
// returned as-is so the caller can tell abandonment from provider failure.
func (s *Service) StreamChat(ctx context.Context, messages []models.Message, callback func(string) error) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("messages cannot be empty")
	}

	streamReader, err := s.chatModel.Stream(ctx, convertMessages(messages))
	if err != nil {
		return "", classifyProviderError(err)
	}
	defer streamReader.Close()

	var full strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", classifyProviderError(err)
		}
		if chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if callback != nil {
			if err := callback(chunk.Content); err != nil {
				return "", err
			}
		}
	}
	return full.String(), nil
}

func convertMessages(messages []models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}

// classifyProviderError maps transport failures onto the error taxonomy so
// each class can get its own user-facing message upstream.
func classifyProviderError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrProviderTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit"):
		return fmt.Errorf("%w: %v", models.ErrProviderRateLimited, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return fmt.Errorf("%w: %v", models.ErrProviderTimeout, err)
	default:
		return fmt.Errorf("%w: %v", models.ErrProvider, err)
	}
}
