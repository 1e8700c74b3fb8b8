package analysis

import (
	"strings"
	"testing"
)

func TestBuildPrompt_Structure(t *testing.T) {
	msgs := BuildPrompt("2025-03-03", "Reviewed the API design.")

	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Errorf("first message role = %q, want system", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, `"competencies"`) {
		t.Error("system prompt does not include the schema")
	}
	if msgs[1].Role != "user" {
		t.Errorf("last message role = %q, want user", msgs[1].Role)
	}
	if !strings.Contains(msgs[1].Content, "2025-03-03") || !strings.Contains(msgs[1].Content, "Reviewed the API design.") {
		t.Errorf("user message = %q", msgs[1].Content)
	}
}

func TestBuildPrompt_TruncatesLongEntries(t *testing.T) {
	msgs := BuildPrompt("2025-03-03", strings.Repeat("x", maxEntryChars+500))
	if n := strings.Count(msgs[1].Content, "x"); n != maxEntryChars {
		t.Errorf("entry chars sent = %d, want %d", n, maxEntryChars)
	}
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", sampleReply, false},
		{"empty lists", `{"sentiment": -1, "summary": "", "projects": [], "skills": [], "competencies": []}`, false},
		{"bad project status", `{"sentiment": 0, "summary": "", "projects": [{"name": "x", "status": "done"}], "skills": [], "competencies": []}`, true},
		{"bad level", `{"sentiment": 0, "summary": "", "projects": [], "skills": [], "competencies": [{"name": "x", "level": "guru"}]}`, true},
		{"empty name", `{"sentiment": 0, "summary": "", "projects": [{"name": ""}], "skills": [], "competencies": []}`, true},
		{"array", `[]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExtraction([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseExtraction error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseExtraction_Decodes(t *testing.T) {
	ext, err := ParseExtraction([]byte(sampleReply))
	if err != nil {
		t.Fatalf("ParseExtraction: %v", err)
	}
	if ext.Sentiment != 0.6 || len(ext.Projects) != 1 || ext.Projects[0].Status != "active" {
		t.Errorf("extraction = %+v", ext)
	}
}
