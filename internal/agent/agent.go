// Package agent decides what to answer to an inbound message.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/wa-responder/internal/config"
	"github.com/comigor/wa-responder/internal/history"
	"github.com/comigor/wa-responder/internal/llm"
	"github.com/comigor/wa-responder/internal/logger"
)

const defaultSystemPrompt = "Sos el asistente de WhatsApp de un estudio de diseño web y tecnologías creativas. " +
	"Respondé en español, en tono cercano y breve (dos o tres oraciones), y proponé una llamada cuando el contacto muestre interés concreto."

// Agent answers with a canned text when a keyword rule matches, and falls back to a
// chat completion otherwise.
type Agent struct {
	llmClient llm.Client
	cfg       config.LLMConfig
	rules     []config.KeywordRule
	canned    map[string]string
}

// New creates a new agent. llmClient may be nil, in which case only canned replies are produced.
func New(llmClient llm.Client, llmCfg config.LLMConfig, replyCfg config.ReplyConfig) *Agent {
	rules := replyCfg.Keywords
	if len(rules) == 0 {
		rules = config.DefaultKeywords()
	}
	return &Agent{
		llmClient: llmClient,
		cfg:       llmCfg,
		rules:     rules,
		canned:    replyCfg.Canned,
	}
}

// Classify returns the intent of the first matching rule, or "" when none matches.
func (a *Agent) Classify(body string) string {
	text := strings.ToLower(strings.TrimSpace(body))
	if text == "" {
		return ""
	}
	for _, r := range a.rules {
		if matches(text, r) {
			return r.Intent
		}
	}
	return ""
}

func matches(text string, r config.KeywordRule) bool {
	if len(r.All) > 0 {
		all := true
		for _, k := range r.All {
			if !strings.Contains(text, strings.ToLower(k)) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	for _, k := range r.Any {
		if strings.Contains(text, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// Reply produces the answer for body given the prior conversation, oldest first.
// An empty string with a nil error means there is nothing to send.
func (a *Agent) Reply(ctx context.Context, body string, turns []history.Message) (string, error) {
	intent := a.Classify(body)
	if intent != "" {
		if text, ok := a.canned[intent]; ok && strings.TrimSpace(text) != "" {
			logger.L.Debug("canned reply", "intent", intent)
			return text, nil
		}
	}

	if a.llmClient == nil {
		logger.L.Debug("no generative client configured, skipping reply", "intent", intent)
		return "", nil
	}

	prompt := defaultSystemPrompt
	if a.cfg.SystemPrompt != "" {
		prompt = a.cfg.SystemPrompt
	}
	if intent != "" {
		prompt += fmt.Sprintf("\n\nIntención detectada en el último mensaje: %s.", intent)
	}

	messages := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: prompt}}
	messages = append(messages, llm.Messages(turns)...)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: body})

	resp, err := a.llmClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     a.cfg.Model,
		Messages:  messages,
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		logger.L.Warn("LLM returned no choices")
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
