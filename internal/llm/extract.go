package llm

import (
	"encoding/json"
	"fmt"
)

// ExtractJSON finds the first balanced JSON object in model output, which
// may be wrapped in prose or markdown code fences.
func ExtractJSON(output string) ([]byte, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, c := range output {
		if start != -1 && inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if start != -1 {
				inString = true
			}
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if start == -1 {
				continue
			}
			depth--
			if depth == 0 {
				return []byte(output[start : i+1]), nil
			}
		}
	}
	return nil, fmt.Errorf("no JSON object found in output")
}

// DecodeJSON extracts and unmarshals the first JSON object in output.
func DecodeJSON(output string, v interface{}) error {
	raw, err := ExtractJSON(output)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
