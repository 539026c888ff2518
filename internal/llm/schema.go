// Package llm holds the JSON contracts shared by the remote layout models: schemas,
// prompts, lenient cleanup of model output and a plain JSON-over-HTTP sender.
package llm

// BuildLabelSchema is the response contract for chat-model token labelling:
// {"labels":[{"id":0,"label":"TOTAL","confidence":0.9}, ...]}.
func BuildLabelSchema(allowedLabels []string) map[string]any {
	label := map[string]any{"type": "string"}
	if len(allowedLabels) > 0 {
		label["enum"] = allowedLabels
	}
	entry := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"id":         map[string]any{"type": "integer", "minimum": 0},
			"label":      label,
			"confidence": map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
		},
		"required": []string{"id", "label"},
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"labels": map[string]any{"type": "array", "items": entry},
		},
		"required": []string{"labels"},
	}
}

// BuildPredictionSchema is the response contract of a token-classification service:
// parallel "labels" and "scores" arrays, scores optional.
func BuildPredictionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"labels": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"scores": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "number"},
			},
		},
		"required": []string{"labels"},
	}
}
