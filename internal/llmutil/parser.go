// internal/llmutil/parser.go
package llmutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidLLMOutput marks a response that could not be parsed or failed
// validation. Callers skip the unit of work rather than failing the run.
var ErrInvalidLLMOutput = errors.New("invalid LLM output")

var (
	// Backticks are written as \x60 since raw strings cannot contain them.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// Validator is implemented by LLM response shapes that carry their own
// structural checks (required fields, enum values, ranges).
type Validator interface {
	Validate() error
}

// ParseJSONResponse attempts to parse an LLM response string into a target Go type using generics.
// It handles common LLM formatting issues, such as wrapping the JSON in markdown code blocks.
func ParseJSONResponse[T any](response string) (*T, error) {
	jsonStringToParse := ExtractJSON(response)

	var result T
	if err := json.Unmarshal([]byte(jsonStringToParse), &result); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal LLM JSON response: %v. Extracted JSON (truncated): %s",
			ErrInvalidLLMOutput, err, truncateString(jsonStringToParse, 500))
	}

	return &result, nil
}

// ParseAndValidate parses like ParseJSONResponse and then runs the type's
// Validate method. Every failure wraps ErrInvalidLLMOutput.
func ParseAndValidate[T any, PT interface {
	*T
	Validator
}](response string) (*T, error) {
	result, err := ParseJSONResponse[T](response)
	if err != nil {
		return nil, err
	}
	if err := PT(result).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLLMOutput, err)
	}
	return result, nil
}

// ExtractJSON isolates the JSON object or array in an LLM response, stripping
// markdown fences and conversational preamble. The input is returned trimmed
// when no structure is found.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	// Heuristically determine if the content is likely an object or array.
	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	// 1. Handle markdown wrapping (most common case).
	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			return matches[1]
		}
		return response
	}

	if !(isObject || isArray) || strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	// 2. Attempt to find the structure within conversational text.
	if isObject {
		fb := strings.Index(response, "{")
		lb := strings.LastIndex(response, "}")
		if fb != -1 && lb > fb {
			return response[fb : lb+1]
		}
	}
	if isArray {
		fb := strings.Index(response, "[")
		lb := strings.LastIndex(response, "]")
		if fb != -1 && lb > fb {
			return response[fb : lb+1]
		}
	}
	return response
}

// RequireFields returns an error naming the first empty value. Pairs are
// (name, value).
func RequireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("missing required field %q", pairs[i])
		}
	}
	return nil
}

// truncateString truncates a string to a maximum length for error logging.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
