// Package schema validates untyped decoded JSON values against declarative schemas.
//
// It is the single gate every inbound packet payload and every inbound HTTP
// query parameter set passes through before the data is used.
package schema

import (
	"encoding/json"
	"math"
	"maps"
	"regexp"
	"slices"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Kind is the structural type a Field expects.
type Kind int

const (
	// Any matches every non-null value. Only meaningful as an array item kind.
	Any Kind = iota
	String
	Number
	Boolean
	Array
	// Record is a nested object with its own schema.
	Record
	// Map is an object with arbitrary keys and a uniform value type.
	Map
	// Conditional is an object that must match at least one of several schemas.
	Conditional
)

func (k Kind) String() string {
	switch k {
	case Any:
		return "any"
	case String:
		return "string"
	case Number:
		return "number"
	case Boolean:
		return "boolean"
	case Array:
		return "array"
	case Record:
		return "record"
	case Map:
		return "map"
	case Conditional:
		return "conditional"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// maxSafeInteger is the largest integer a float64 represents exactly.
const maxSafeInteger = 1<<53 - 1

// Field describes one schema entry. Constraints not relevant to Kind are ignored.
type Field struct {
	Kind Kind

	// Required means the key must be present. AllowNull means the value may be
	// null. The two compose independently.
	Required  bool
	AllowNull bool

	// String constraints. Zero MaxLength means unbounded.
	Pattern   *regexp.Regexp
	MinLength int
	MaxLength int
	Options   []string

	// Number constraints. Numbers must be safe integers unless AllowFloat is set.
	Min           *float64
	Max           *float64
	Exact         *float64
	AllowFloat    bool
	NumberOptions []float64

	// Boolean constraint.
	Expected *bool

	// Array constraints. Items of Kind Any accept every primitive.
	Items         Kind
	AllowedValues []any
	Check         func(item any) bool
	MinItems      int
	MaxItems      int

	// Record schema.
	Fields Schema

	// Map value schema.
	Values *Field

	// Conditional alternatives, tried in order.
	Alternatives []Schema
}

// Schema maps object keys to their field description.
type Schema map[string]Field

// Reason identifies why a value was rejected.
type Reason string

const (
	ReasonMissing       Reason = "missing"
	ReasonUnknownKey    Reason = "unknown_key"
	ReasonNull          Reason = "null"
	ReasonWrongType     Reason = "wrong_type"
	ReasonTooShort      Reason = "too_short"
	ReasonTooLong       Reason = "too_long"
	ReasonPattern       Reason = "pattern_mismatch"
	ReasonNotAnOption   Reason = "not_an_option"
	ReasonTooSmall      Reason = "too_small"
	ReasonTooLarge      Reason = "too_large"
	ReasonNotExact      Reason = "not_exact"
	ReasonNotInteger    Reason = "not_integer"
	ReasonUnsafeInteger Reason = "unsafe_integer"
	ReasonUnexpected    Reason = "unexpected_value"
	ReasonTooFewItems   Reason = "too_few_items"
	ReasonTooManyItems  Reason = "too_many_items"
	ReasonInvalidItem   Reason = "invalid_item"
	ReasonCheckFailed   Reason = "check_failed"
	ReasonNoAlternative Reason = "no_alternative"
)

// Offense is a single validation failure at a dotted key path.
type Offense struct {
	Path   string `json:"path"`
	Reason Reason `json:"reason"`
}

// Result is the outcome of Validate.
type Result struct {
	Invalid  bool
	Offenses []Offense
	// Alternatives records, per conditional key path, the index of the first
	// alternative that matched. Callers extract with that alternative.
	Alternatives map[string]int
}

// Float returns a pointer to v, for the optional numeric constraints.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v, for Field.Expected.
func Bool(v bool) *bool { return &v }

// Validate checks value against s. Keys in value that s does not declare make
// the whole object invalid.
func Validate(value map[string]any, s Schema) Result {
	v := &validator{alternatives: make(map[string]int)}
	v.record("", value, s)
	return Result{
		Invalid:      len(v.offenses) > 0,
		Offenses:     v.offenses,
		Alternatives: v.alternatives,
	}
}

type validator struct {
	offenses     []Offense
	alternatives map[string]int
}

func (v *validator) fail(path string, r Reason) {
	v.offenses = append(v.offenses, Offense{Path: path, Reason: r})
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func (v *validator) record(prefix string, value map[string]any, s Schema) {
	for _, key := range slices.Sorted(maps.Keys(value)) {
		if _, ok := s[key]; !ok {
			v.fail(join(prefix, key), ReasonUnknownKey)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(s)) {
		f := s[key]
		path := join(prefix, key)
		raw, present := value[key]
		if !present {
			if f.Required {
				v.fail(path, ReasonMissing)
			}
			continue
		}
		v.field(path, raw, f)
	}
}

func (v *validator) field(path string, raw any, f Field) {
	if raw == nil {
		if !f.AllowNull {
			v.fail(path, ReasonNull)
		}
		return
	}

	switch f.Kind {
	case String:
		s, ok := raw.(string)
		if !ok {
			v.fail(path, ReasonWrongType)
			return
		}
		v.str(path, s, f)
	case Number:
		n, ok := toFloat(raw)
		if !ok {
			v.fail(path, ReasonWrongType)
			return
		}
		v.num(path, n, f)
	case Boolean:
		b, ok := raw.(bool)
		if !ok {
			v.fail(path, ReasonWrongType)
			return
		}
		if f.Expected != nil && *f.Expected != b {
			v.fail(path, ReasonUnexpected)
		}
	case Array:
		items, ok := raw.([]any)
		if !ok {
			v.fail(path, ReasonWrongType)
			return
		}
		v.array(path, items, f)
	case Record:
		m, ok := raw.(map[string]any)
		if !ok {
			v.fail(path, ReasonWrongType)
			return
		}
		v.record(path, m, f.Fields)
	case Map:
		m, ok := raw.(map[string]any)
		if !ok {
			v.fail(path, ReasonWrongType)
			return
		}
		if f.Values == nil {
			return
		}
		for _, key := range slices.Sorted(maps.Keys(m)) {
			v.field(join(path, key), m[key], *f.Values)
		}
	case Conditional:
		m, ok := raw.(map[string]any)
		if !ok {
			v.fail(path, ReasonWrongType)
			return
		}
		v.conditional(path, m, f.Alternatives)
	default:
		v.fail(path, ReasonWrongType)
	}
}

func (v *validator) str(path, s string, f Field) {
	length := len([]rune(s))
	if length < f.MinLength {
		v.fail(path, ReasonTooShort)
	}
	if f.MaxLength > 0 && length > f.MaxLength {
		v.fail(path, ReasonTooLong)
	}
	if f.Pattern != nil && !f.Pattern.MatchString(s) {
		v.fail(path, ReasonPattern)
	}
	if len(f.Options) > 0 && !slices.Contains(f.Options, s) {
		v.fail(path, ReasonNotAnOption)
	}
}

func (v *validator) num(path string, n float64, f Field) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		v.fail(path, ReasonWrongType)
		return
	}
	if !f.AllowFloat {
		if n != math.Trunc(n) {
			v.fail(path, ReasonNotInteger)
			return
		}
		if math.Abs(n) > maxSafeInteger {
			v.fail(path, ReasonUnsafeInteger)
			return
		}
	}
	if f.Min != nil && n < *f.Min {
		v.fail(path, ReasonTooSmall)
	}
	if f.Max != nil && n > *f.Max {
		v.fail(path, ReasonTooLarge)
	}
	if f.Exact != nil && n != *f.Exact {
		v.fail(path, ReasonNotExact)
	}
	if len(f.NumberOptions) > 0 && !slices.Contains(f.NumberOptions, n) {
		v.fail(path, ReasonNotAnOption)
	}
}

func (v *validator) array(path string, items []any, f Field) {
	if len(items) < f.MinItems {
		v.fail(path, ReasonTooFewItems)
	}
	if f.MaxItems > 0 && len(items) > f.MaxItems {
		v.fail(path, ReasonTooManyItems)
	}
	for i, item := range items {
		itemPath := path + "[" + strconv.Itoa(i) + "]"
		if !matchesKind(item, f.Items) {
			v.fail(itemPath, ReasonInvalidItem)
			continue
		}
		if f.AllowedValues != nil && !containsValue(f.AllowedValues, item) {
			v.fail(itemPath, ReasonNotAnOption)
			continue
		}
		if f.Check != nil && !f.Check(item) {
			v.fail(itemPath, ReasonCheckFailed)
		}
	}
}

func (v *validator) conditional(path string, m map[string]any, alternatives []Schema) {
	var matched []int
	var chosen map[string]int
	for i, alt := range alternatives {
		sub := &validator{alternatives: make(map[string]int)}
		sub.record(path, m, alt)
		if len(sub.offenses) == 0 {
			if matched == nil {
				chosen = sub.alternatives
			}
			matched = append(matched, i)
		}
	}

	switch {
	case len(matched) == 0:
		v.fail(path, ReasonNoAlternative)
		return
	case len(matched) > 1:
		log.Warn().
			Str("path", path).
			Ints("alternatives", matched).
			Msg("conditional record matched more than one alternative, using the first")
	}

	key := path
	if key == "" {
		key = "."
	}
	v.alternatives[key] = matched[0]
	maps.Copy(v.alternatives, chosen)
}

// matchesKind reports whether item is a primitive of kind k.
func matchesKind(item any, k Kind) bool {
	if item == nil {
		return false
	}
	switch k {
	case Any:
		return true
	case String:
		_, ok := item.(string)
		return ok
	case Number:
		_, ok := toFloat(item)
		return ok
	case Boolean:
		_, ok := item.(bool)
		return ok
	case Array:
		_, ok := item.([]any)
		return ok
	case Record, Map, Conditional:
		_, ok := item.(map[string]any)
		return ok
	}
	return false
}

func containsValue(allowed []any, item any) bool {
	if n, ok := toFloat(item); ok {
		for _, a := range allowed {
			if an, ok := toFloat(a); ok && an == n {
				return true
			}
		}
		return false
	}
	for _, a := range allowed {
		if a == item {
			return true
		}
	}
	return false
}

// toFloat accepts every numeric representation a decoded payload can carry.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
