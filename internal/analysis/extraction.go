package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Extraction is the structured career data pulled out of one entry.
type Extraction struct {
	Sentiment    float64      `json:"sentiment"`
	Summary      string       `json:"summary"`
	Projects     []Project    `json:"projects"`
	Skills       []Skill      `json:"skills"`
	Competencies []Competency `json:"competencies"`
}

type Project struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

type Skill struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

type Competency struct {
	Name  string `json:"name"`
	Level string `json:"level,omitempty"`
}

const extractionSchemaJSON = `{
  "type": "object",
  "required": ["sentiment", "summary", "projects", "skills", "competencies"],
  "properties": {
    "sentiment": {"type": "number", "minimum": -1, "maximum": 1},
    "summary": {"type": "string"},
    "projects": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "status": {"enum": ["active", "completed", "paused"]}
        }
      }
    },
    "skills": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "category": {"type": "string"}
        }
      }
    },
    "competencies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "level": {"enum": ["emerging", "developing", "proficient", "advanced"]}
        }
      }
    }
  }
}`

var extractionSchema = jsonschema.MustCompileString("extraction.json", extractionSchemaJSON)

// ParseExtraction validates raw model output against the extraction schema
// and decodes it.
func ParseExtraction(raw []byte) (Extraction, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Extraction{}, fmt.Errorf("model output is not JSON: %w", err)
	}
	if err := extractionSchema.Validate(doc); err != nil {
		return Extraction{}, fmt.Errorf("model output does not match schema: %w", err)
	}
	var ext Extraction
	if err := json.Unmarshal(raw, &ext); err != nil {
		return Extraction{}, fmt.Errorf("decoding extraction: %w", err)
	}
	return ext, nil
}
