package analysis

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a career journal analyst. Read one day of a person's work journal and extract structured career data. Your output must be ONLY a single valid JSON object that conforms to the schema below. Do not include any other text, prose, or markdown.

Rules:
- sentiment is a number from -1 (very negative) to 1 (very positive) describing how the day went.
- summary is one sentence in the first person.
- List each project worked on by its short name. status is one of "active", "completed", "paused".
- List concrete skills used (languages, tools, techniques) with a broad category.
- List professional competencies shown (leadership, communication, ownership, ...). level is one of "emerging", "developing", "proficient", "advanced".
- Use empty arrays when nothing applies. Never invent work that is not described.`

// maxEntryChars bounds the entry text sent to the model.
const maxEntryChars = 8000

// Message is one chat message sent to a Completer.
type Message struct {
	Role    string
	Content string
}

// BuildPrompt constructs the chat messages that ask for an Extraction of
// one journal entry.
func BuildPrompt(date, content string) []Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\nJSON Schema:\n")
	sb.WriteString(extractionSchemaJSON)

	if len(content) > maxEntryChars {
		content = content[:maxEntryChars]
	}
	return []Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: fmt.Sprintf("[Journal entry for %s]\n%s", date, content)},
	}
}
