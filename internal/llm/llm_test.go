package llm

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/wa-responder/internal/config"
	"github.com/comigor/wa-responder/internal/history"
)

func TestNewClient_NoKey(t *testing.T) {
	require.Nil(t, NewClient(config.LLMConfig{Model: "gpt"}))
}

func TestNewClient(t *testing.T) {
	require.NotNil(t, NewClient(config.LLMConfig{APIKey: "k", BaseURL: "http://localhost:1234/v1"}))
	require.NotNil(t, NewClient(config.LLMConfig{Provider: "azure", APIKey: "k", BaseURL: "https://x.openai.azure.com"}))
}

func TestMessages(t *testing.T) {
	got := Messages([]history.Message{
		{Role: history.RoleUser, Body: "hola"},
		{Role: history.RoleAssistant, Body: "¿en qué te ayudo?"},
		{Role: history.RoleAssistant, Body: "  "},
		{Role: history.RoleSystem, Body: "nota"},
	})
	require.Equal(t, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "hola"},
		{Role: openai.ChatMessageRoleAssistant, Content: "¿en qué te ayudo?"},
		{Role: openai.ChatMessageRoleSystem, Content: "nota"},
	}, got)
}
