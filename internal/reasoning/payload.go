package reasoning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"KnowledgeScout/internal/domain"
)

// PayloadDelimiter separates a model's free-text rationale from its JSON payload.
const PayloadDelimiter = "---JSON---"

var fenceReplacer = strings.NewReplacer("```json", "", "```JSON", "", "```", "")

// ExtractObject returns the last well-formed JSON object in text that carries at least one of
// fields (any object when fields is empty). When the delimiter is present only the text after
// its first occurrence is scanned. Malformed payloads are rejected, never repaired.
func ExtractObject(text string, fields ...string) (json.RawMessage, error) {
	payload := text
	if _, after, found := strings.Cut(text, PayloadDelimiter); found {
		payload = after
	}
	payload = strings.TrimSpace(fenceReplacer.Replace(payload))
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrMalformedClassification)
	}

	candidates := balancedObjects(payload)
	for i := len(candidates) - 1; i >= 0; i-- {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidates[i]), &obj); err != nil {
			continue
		}
		if hasAny(obj, fields) {
			return json.RawMessage(candidates[i]), nil
		}
	}
	return nil, fmt.Errorf("%w: no JSON object with %v in model output", domain.ErrMalformedClassification, fields)
}

func hasAny(obj map[string]json.RawMessage, fields []string) bool {
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		if _, ok := obj[f]; ok {
			return true
		}
	}
	return false
}

// balancedObjects lists every top-level {...} span in order of appearance, ignoring braces
// inside string literals.
func balancedObjects(text string) []string {
	var (
		out      []string
		inString bool
		escaped  bool
		depth    int
		start    = -1
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// orderedStringMap decodes a JSON object of string values preserving key order. Duplicate
// keys keep their first position and value.
func orderedStringMap(raw json.RawMessage) ([][2]string, error) {
	if isNull(raw) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var (
		pairs [][2]string
		seen  = map[string]struct{}{}
	)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key, got %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("value of %q: %w", key, err)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		pairs = append(pairs, [2]string{key, value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
