package usecase

import (
	"strings"

	"scribe-ai/internal/domain"
)

// DefaultSystemPrompt is the assistant persona used when the configuration
// does not supply one.
const DefaultSystemPrompt = `You are an AI writing assistant embedded in a shared chat workspace.
Help the user draft, edit, and refine written content. Keep replies focused
on the writing at hand. When you lack current information needed to write
accurately, use the web_search tool before answering.`

// ComposeInstructions builds the per-run instructions from the base prompt
// and the custom fields of the triggering message. A writing task attached
// to the message is appended so it scopes only the run it triggered.
func ComposeInstructions(base string, custom map[string]string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultSystemPrompt
	}
	task := strings.TrimSpace(custom[domain.CustomWritingTask])
	if task == "" {
		return base
	}
	return base + "\n\nWriting Task: " + task
}
