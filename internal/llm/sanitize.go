package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// SanitizeLabelEntries drops label entries the strict schema would reject: unknown labels,
// missing or non-integer ids and duplicate ids. Confidences given as strings or outside
// [0,1] are coerced. Unknown top-level keys are removed.
func SanitizeLabelEntries(raw []byte, allowedLabels []string, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	allowed := make(map[string]struct{}, len(allowedLabels))
	for _, l := range allowedLabels {
		allowed[l] = struct{}{}
	}

	var dropped []string
	for k := range m {
		if k != "labels" {
			delete(m, k)
			dropped = append(dropped, k+"(unknown)")
		}
	}
	entries, _ := m["labels"].([]any)
	seen := map[int]bool{}
	kept := make([]any, 0, len(entries))
	for i, e := range entries {
		obj, ok := e.(map[string]any)
		if !ok {
			dropped = append(dropped, fmt.Sprintf("labels[%d](type)", i))
			continue
		}
		id, ok := asInt(obj["id"])
		if !ok || id < 0 || seen[id] {
			dropped = append(dropped, fmt.Sprintf("labels[%d](id)", i))
			continue
		}
		label, _ := obj["label"].(string)
		label = strings.ToUpper(strings.TrimSpace(label))
		if _, ok := allowed[label]; !ok && len(allowed) > 0 {
			dropped = append(dropped, fmt.Sprintf("labels[%d](label %q)", i, label))
			continue
		}
		clean := map[string]any{"id": id, "label": label}
		if c, ok := asFloat(obj["confidence"]); ok {
			clean["confidence"] = math.Min(math.Max(c, 0), 1)
		}
		seen[id] = true
		kept = append(kept, clean)
	}
	m["labels"] = kept

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	if len(dropped) > 0 {
		logger.Warn("llm.labels.sanitized", "dropped", dropped)
	}
	return out, dropped, nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}
