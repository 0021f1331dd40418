package provider

import "strings"

// Prompt styles map a short id to the full prompt text a batch runs with.
// A custom prompt, when set, replaces the style text entirely.
var promptStyles = map[string]string{
	"detailed": "What is happening in this image? Be specific and detailed. " +
		"List and describe the items shown.",
	"brief":    "Describe this image in one or two sentences.",
	"caption":  "Write a short caption for this image, suitable for a photo library.",
	"tags":     "List the objects, people, and scene attributes visible in this image, one per line.",
	"document": "Transcribe any text visible in this image, then summarize what the image shows.",
}

// ResolvePrompt returns the prompt text for a style id. Unknown styles fall
// back to the detailed prompt so a typo degrades rather than fails a batch.
func ResolvePrompt(style, custom string) string {
	if strings.TrimSpace(custom) != "" {
		return custom
	}
	if p, ok := promptStyles[style]; ok {
		return p
	}
	return promptStyles["detailed"]
}

// PromptStyles lists the known style ids.
func PromptStyles() []string {
	out := make([]string, 0, len(promptStyles))
	for k := range promptStyles {
		out = append(out, k)
	}
	return out
}
