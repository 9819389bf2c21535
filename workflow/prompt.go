package workflow

import (
	_ "embed"
	"strings"
)

//go:embed template/assistant.txt
var assistantRaw string

// assistantPrompt returns the trimmed system prompt for the assistant.
func assistantPrompt() string {
	return strings.TrimSpace(assistantRaw)
}
