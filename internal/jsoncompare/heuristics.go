// internal/jsoncompare/heuristics.go
package jsoncompare

import (
	"regexp"
	"time"
)

// Placeholders for masked data.
const (
	PlaceholderDynamicKey   = "__DYNAMIC_KEY__"
	PlaceholderDynamicValue = "__DYNAMIC_VALUE__"
)

// Rules identifies the parts of a tool output that change between two reads
// of the same underlying state.
type Rules struct {
	// KeyPatterns match object keys whose values are volatile (fetch times,
	// request ids, pagination cursors). Matching keys are dropped and counted.
	KeyPatterns []*regexp.Regexp
	// MaskUUIDs masks string values that parse as UUIDs.
	MaskUUIDs bool
	// MaskTimestamps masks timestamp strings and plausible unix-time numbers.
	MaskTimestamps bool
	// TimestampFormats are the layouts tried for string timestamps.
	TimestampFormats []string
	// EntropyThreshold masks long random-looking strings such as tokens and
	// digests. Zero disables the check.
	EntropyThreshold float64
}

// DefaultRules masks what evidence APIs typically vary per request.
func DefaultRules() Rules {
	return Rules{
		KeyPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(fetched|retrieved|generated|collected|requested)_?(at|on|time)$`),
			regexp.MustCompile(`(?i)(request|correlation|trace)_?id$`),
			regexp.MustCompile(`(?i)^(e_?tag|etag)$`),
			regexp.MustCompile(`(?i)^(next|prev(ious)?)_?(page_?)?(token|cursor|marker|url)$`),
			regexp.MustCompile(`(?i)^(x_)?rate_?limit`),
		},
		MaskUUIDs:        true,
		MaskTimestamps:   true,
		TimestampFormats: []string{time.RFC3339, time.RFC3339Nano, time.RFC1123, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"},
		EntropyThreshold: 4.5,
	}
}
