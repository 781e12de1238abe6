// Package masking applies baseline + per-token key masking over a
// record's message and metadata JSON tree.
//
// The tagged value tree masking walks is simply Go's interface{} as
// produced by encoding/json: a type switch over map[string]interface{},
// []interface{}, string, float64, bool, and nil already is the tagged
// union; no separate Value type earns its keep.
package masking

import (
	"regexp"
	"sort"
	"strings"
)

const fullMaskLiteral = "****"

var emailPattern = regexp.MustCompile(`^([^@])([^@]*)([^@])(@.*)$`)

// Mode selects how a matched key's value is transformed.
type Mode int

const (
	// ModeFull replaces the value with the literal "****" regardless of type.
	ModeFull Mode = iota
	// ModeKeepPrefix keeps the first N bytes of a string value, masking the rest.
	ModeKeepPrefix
	// ModeEmail partially masks the local part of an email-shaped string.
	ModeEmail
)

// Rule is one masking rule applied to every matching key.
type Rule struct {
	Mode       Mode
	KeepPrefix int
}

// Config is the resolved set of rules for one request: baseline keys,
// baseline partial rules, plus any per-token extra keys merged in.
type Config struct {
	// Keys maps a lower-cased key name to the rule applied to its value.
	// A key present with the zero Rule (ModeFull) is masked fully.
	Keys map[string]Rule
}

// Result reports whether override evaluation had to fall back.
type Result struct {
	FellBackToBaseline bool
}

// Engine applies Config to a record's message and metadata tree.
type Engine struct {
	baseline Config
}

// New constructs an Engine from the baseline keys and partial rules
// loaded from config.Masking.
func New(baselineKeys []string, partialRules map[string]struct {
	KeepPrefix int
	MaskEmail  bool
}) *Engine {
	cfg := Config{Keys: make(map[string]Rule, len(baselineKeys))}
	for _, k := range baselineKeys {
		cfg.Keys[strings.ToLower(k)] = Rule{Mode: ModeFull}
	}
	for k, r := range partialRules {
		lk := strings.ToLower(k)
		switch {
		case r.MaskEmail:
			cfg.Keys[lk] = Rule{Mode: ModeEmail}
		case r.KeepPrefix > 0:
			cfg.Keys[lk] = Rule{Mode: ModeKeepPrefix, KeepPrefix: r.KeepPrefix}
		default:
			cfg.Keys[lk] = Rule{Mode: ModeFull}
		}
	}
	return &Engine{baseline: cfg}
}

// WithTokenOverride merges extraKeys (masked ModeFull) into the baseline
// for a single call, without mutating the Engine's baseline. Returns the
// merged Config and a Result indicating whether override evaluation had
// to fall back to baseline-only; a record is never dropped because its
// overrides could not be applied.
func (e *Engine) WithTokenOverride(extraKeys []string) (Config, Result) {
	merged := Config{Keys: make(map[string]Rule, len(e.baseline.Keys)+len(extraKeys))}
	for k, v := range e.baseline.Keys {
		merged.Keys[k] = v
	}
	fellBack := false
	func() {
		defer func() {
			if recover() != nil {
				fellBack = true
			}
		}()
		for _, k := range extraKeys {
			merged.Keys[strings.ToLower(k)] = Rule{Mode: ModeFull}
		}
	}()
	if fellBack {
		return e.baseline, Result{FellBackToBaseline: true}
	}
	return merged, Result{}
}

// MaskTree walks an arbitrary JSON-decoded value (map[string]interface{},
// []interface{}, or a scalar) and returns a new tree with every object key
// matching cfg replaced per its Rule. The input is never mutated in place.
// Callers pass the whole line object (message, metadata, trace_id, ...) so
// that both "message" and nested "metadata" keys are covered in one walk.
func (e *Engine) MaskTree(cfg Config, v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if rule, ok := cfg.Keys[strings.ToLower(k)]; ok {
				out[k] = applyRule(rule, val)
				continue
			}
			out[k] = e.MaskTree(cfg, val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = e.MaskTree(cfg, val)
		}
		return out
	default:
		return v
	}
}

func applyRule(r Rule, v interface{}) interface{} {
	switch r.Mode {
	case ModeKeepPrefix:
		s, ok := v.(string)
		if !ok {
			return fullMaskLiteral
		}
		if r.KeepPrefix <= 0 {
			return fullMaskLiteral
		}
		// A value already of the form prefix+"****" with prefix within the
		// keep limit is left alone, so masking twice yields the same bytes
		// even when the original was shorter than the prefix limit.
		if strings.HasSuffix(s, fullMaskLiteral) && len(s)-len(fullMaskLiteral) <= r.KeepPrefix {
			return s
		}
		n := r.KeepPrefix
		if n > len(s) {
			n = len(s)
		}
		return s[:n] + fullMaskLiteral
	case ModeEmail:
		s, ok := v.(string)
		if !ok {
			return fullMaskLiteral
		}
		m := emailPattern.FindStringSubmatch(s)
		if m == nil {
			return fullMaskLiteral
		}
		return m[1] + "*****" + m[3] + m[4]
	default:
		return fullMaskLiteral
	}
}

// SortedKeys returns the keys of a map[string]interface{} in ascending
// order.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
