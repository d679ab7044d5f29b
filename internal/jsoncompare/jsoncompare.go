// Package jsoncompare decides whether two tool outputs carry the same
// evidence. Volatile values are masked before a structural comparison that
// ignores array order.
package jsoncompare

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Result is the outcome of one comparison.
type Result struct {
	Equivalent bool
	// IsJSON is false when either side was not a JSON document and the
	// comparison fell back to whitespace-insensitive text.
	IsJSON bool
	Diff   string
}

// Comparer compares tool outputs under a fixed rule set. It is safe for
// concurrent use.
type Comparer struct {
	rules  Rules
	logger *zap.Logger
}

// New creates a Comparer.
func New(rules Rules, logger *zap.Logger) *Comparer {
	return &Comparer{rules: rules, logger: logger.Named("jsoncompare")}
}

// Compare reports whether a and b are the same evidence.
func (c *Comparer) Compare(a, b string) Result {
	if a == b {
		return Result{Equivalent: true, IsJSON: json.Valid([]byte(a))}
	}

	dataA, errA := decode(a)
	dataB, errB := decode(b)
	if errA != nil || errB != nil {
		c.logger.Debug("Comparison involves non-JSON data",
			zap.Bool("json_a", errA == nil),
			zap.Bool("json_b", errB == nil),
		)
		if strings.Join(strings.Fields(a), " ") == strings.Join(strings.Fields(b), " ") {
			return Result{Equivalent: true}
		}
		return Result{Diff: fmt.Sprintf("content differs (length %d vs %d)", len(a), len(b))}
	}

	diff := cmp.Diff(c.Normalize(dataA), c.Normalize(dataB),
		cmpopts.SortSlices(lessAny),
		equateEmpty(),
	)
	return Result{Equivalent: diff == "", IsJSON: true, Diff: diff}
}

func decode(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Normalize replaces volatile values with PlaceholderDynamicValue and folds
// volatile keys into a count under PlaceholderDynamicKey.
func (c *Comparer) Normalize(data any) any {
	if c.isValueDynamic(data) {
		return PlaceholderDynamicValue
	}
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		dynamic := 0
		for key, val := range v {
			if c.isKeyDynamic(key) {
				dynamic++
				continue
			}
			out[key] = c.Normalize(val)
		}
		if dynamic > 0 {
			out[PlaceholderDynamicKey] = dynamic
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = c.Normalize(val)
		}
		return out
	default:
		return data
	}
}

func (c *Comparer) isKeyDynamic(key string) bool {
	for _, p := range c.rules.KeyPatterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}

func (c *Comparer) isValueDynamic(val any) bool {
	switch v := val.(type) {
	case string:
		return c.isStringDynamic(v)
	case json.Number:
		if f, err := v.Float64(); err == nil && c.rules.MaskTimestamps {
			return isPlausibleUnixTime(f)
		}
	case float64:
		return c.rules.MaskTimestamps && isPlausibleUnixTime(v)
	}
	return false
}

func (c *Comparer) isStringDynamic(s string) bool {
	// Short strings are states and names, not identifiers.
	if len(s) < 10 {
		return false
	}
	if c.rules.MaskUUIDs {
		if _, err := uuid.Parse(s); err == nil {
			return true
		}
	}
	if c.rules.MaskTimestamps {
		for _, layout := range c.rules.TimestampFormats {
			if _, err := time.Parse(layout, s); err == nil {
				return true
			}
		}
	}
	if c.rules.EntropyThreshold > 0 && len(s) >= 16 && !strings.ContainsRune(s, ' ') {
		return shannonEntropy(s) > c.rules.EntropyThreshold
	}
	return false
}

// shannonEntropy is the entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(utf8.RuneCountInString(s))
	var h float64
	for _, count := range counts {
		p := float64(count) / n
		h -= p * math.Log2(p)
	}
	return h
}

// isPlausibleUnixTime accepts 2010 through 2035 in seconds or milliseconds.
func isPlausibleUnixTime(ts float64) bool {
	const lo, hi = 1262304000, 2051222400
	return (ts >= lo && ts <= hi) || (ts >= lo*1000 && ts <= hi*1000)
}

// equateEmpty treats null, {} and [] as equal to each other's kind only:
// null matches either, but {} never matches [].
func equateEmpty() cmp.Option {
	return cmp.FilterValues(
		func(x, y any) bool { return isEmpty(x) && isEmpty(y) },
		cmp.Comparer(func(x, y any) bool {
			if x == nil || y == nil {
				return true
			}
			return reflect.ValueOf(x).Kind() == reflect.ValueOf(y).Kind()
		}),
	)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		return rv.Len() == 0
	}
	return false
}

// lessAny orders decoded JSON values for order-insensitive array comparison.
func lessAny(x, y any) bool {
	nx, okX := x.(json.Number)
	ny, okY := y.(json.Number)
	if okX && okY {
		fx, errX := nx.Float64()
		fy, errY := ny.Float64()
		if errX == nil && errY == nil {
			return fx < fy
		}
		return nx.String() < ny.String()
	}

	vx, vy := reflect.ValueOf(x), reflect.ValueOf(y)
	if !vx.IsValid() {
		return vy.IsValid()
	}
	if !vy.IsValid() {
		return false
	}
	if vx.Type() != vy.Type() {
		return vx.Type().String() < vy.Type().String()
	}
	switch vx.Kind() {
	case reflect.String:
		return vx.String() < vy.String()
	case reflect.Bool:
		return !vx.Bool() && vy.Bool()
	case reflect.Int:
		return vx.Int() < vy.Int()
	default:
		// fmt prints maps with sorted keys, so this is deterministic.
		return fmt.Sprint(x) < fmt.Sprint(y)
	}
}
