package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/emberhost/ember/internal/llm"
)

const enhanceSystemPrompt = `You improve user prompts for a coding agent.
Rewrite the user's request so it is specific, self-contained, and
actionable. Reply with the rewritten prompt only, no commentary.`

// EnhancePrompt asks the model to rewrite a draft request into a more
// effective prompt. It runs outside any session query and touches
// neither the event log nor the context window.
func EnhancePrompt(ctx context.Context, client llm.Client, model string, text string, files []string) (string, error) {
	content := text
	if len(files) > 0 {
		content += "\n\nFiles the user referenced: " + strings.Join(files, ", ")
	}

	resp, err := client.Chat(ctx, llm.ChatRequest{
		Model:     model,
		System:    enhanceSystemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: content}},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", fmt.Errorf("enhance prompt: %w", err)
	}
	result := strings.TrimSpace(resp.Content)
	if result == "" {
		return "", fmt.Errorf("enhance prompt: model returned no content")
	}
	return result, nil
}
