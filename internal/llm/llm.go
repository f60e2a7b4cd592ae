package llm

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/wa-responder/internal/config"
	"github.com/comigor/wa-responder/internal/history"
)

// Client completes a chat conversation. *openai.Client satisfies it.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

var _ Client = (*openai.Client)(nil)

// NewClient creates an OpenAI-compatible client, or returns nil when no API key is
// configured so callers can run without generative replies.
func NewClient(cfg config.LLMConfig) Client {
	if cfg.APIKey == "" {
		return nil
	}

	var oc openai.ClientConfig
	switch strings.ToLower(cfg.Provider) {
	case "azure":
		oc = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	default:
		oc = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
	}
	return openai.NewClientWithConfig(oc)
}

// Messages maps stored conversation turns to chat-completion messages. Records with an
// empty body are skipped.
func Messages(turns []history.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, m := range turns {
		if strings.TrimSpace(m.Body) == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case history.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case history.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Body})
	}
	return out
}
