package schema

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

// Policy controls what a failed structural match does to the append.
type Policy string

const (
	// PolicySoftFail logs violations but admits the event. This is the
	// default: schema drift should be visible, not blocking.
	PolicySoftFail Policy = "soft-fail"
	// PolicyHardFail rejects the append when the payload does not match
	// the registered schema for its event type.
	PolicyHardFail Policy = "hard-fail"
)

// Violation describes one structural mismatch found while validating a
// payload against a Schema.
type Violation struct {
	Path   string
	Reason string
}

func (v Violation) String() string { return fmt.Sprintf("%s: %s", v.Path, v.Reason) }

// Validator checks decoded event payloads against registered schemas. It
// compiles and caches field patterns, since regexp.Compile is too costly to
// repeat on every append.
type Validator struct {
	log *slog.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewValidator builds a Validator that logs violations through log.
func NewValidator(log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{log: log, patterns: make(map[string]*regexp.Regexp)}
}

// Validate checks the JSON-encoded payload against s. It always
// returns the violations found; the caller decides whether to
// reject based on policy (ValidateAndDecide does that for you).
func (v *Validator) Validate(s Schema, payload []byte) ([]Violation, error) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return []Violation{{Path: "$", Reason: "payload is not a JSON object: " + err.Error()}}, nil
	}
	var out []Violation
	v.checkObject("$", s.Fields, decoded, &out)
	return out, nil
}

// ValidateAndDecide validates payload against s and, per policy, decides
// whether the append should be rejected. Violations are always logged;
// PolicyHardFail additionally returns a non-nil error.
func (v *Validator) ValidateAndDecide(s Schema, payload []byte, policy Policy) ([]Violation, error) {
	violations, err := v.Validate(s, payload)
	if err != nil {
		return nil, err
	}
	for _, viol := range violations {
		v.log.Warn("schema violation",
			"subject", s.Subject, "version", s.Version, "path", viol.Path, "reason", viol.Reason)
	}
	if len(violations) > 0 && policy == PolicyHardFail {
		return violations, fmt.Errorf("%w: %d violation(s), first: %s", ErrValidationFailed, len(violations), violations[0])
	}
	return violations, nil
}

func (v *Validator) checkObject(path string, fields []Field, value map[string]interface{}, out *[]Violation) {
	for _, f := range fields {
		raw, present := value[f.Name]
		fieldPath := path + "." + f.Name
		if !present {
			if f.Required {
				*out = append(*out, Violation{Path: fieldPath, Reason: "required field missing"})
			}
			continue
		}
		v.checkValue(fieldPath, f.Type, f.Pattern, raw, out)
	}
}

func (v *Validator) checkValue(path string, t FieldType, pattern string, raw interface{}, out *[]Violation) {
	if raw == nil {
		*out = append(*out, Violation{Path: path, Reason: "null value for typed field"})
		return
	}
	switch t.Kind {
	case KindString:
		s, ok := raw.(string)
		if !ok {
			*out = append(*out, Violation{Path: path, Reason: "expected string"})
			return
		}
		if pattern != "" {
			re, err := v.compile(pattern)
			if err != nil {
				*out = append(*out, Violation{Path: path, Reason: "invalid pattern: " + err.Error()})
				return
			}
			if !re.MatchString(s) {
				*out = append(*out, Violation{Path: path, Reason: "does not match pattern " + pattern})
			}
		}
	case KindInt, KindFloat:
		if _, ok := raw.(float64); !ok {
			*out = append(*out, Violation{Path: path, Reason: "expected number"})
		}
	case KindBool:
		if _, ok := raw.(bool); !ok {
			*out = append(*out, Violation{Path: path, Reason: "expected bool"})
		}
	case KindBytes:
		if _, ok := raw.(string); !ok {
			*out = append(*out, Violation{Path: path, Reason: "expected base64-encoded string"})
		}
	case KindEnum:
		s, ok := raw.(string)
		if !ok || !contains(t.EnumValues, s) {
			*out = append(*out, Violation{Path: path, Reason: fmt.Sprintf("expected one of %v", t.EnumValues)})
		}
	case KindArray:
		arr, ok := raw.([]interface{})
		if !ok {
			*out = append(*out, Violation{Path: path, Reason: "expected array"})
			return
		}
		if t.Element == nil {
			return
		}
		for i, elem := range arr {
			v.checkValue(fmt.Sprintf("%s[%d]", path, i), *t.Element, "", elem, out)
		}
	case KindObject:
		obj, ok := raw.(map[string]interface{})
		if !ok {
			*out = append(*out, Violation{Path: path, Reason: "expected object"})
			return
		}
		v.checkObject(path, t.Fields, obj, out)
	default:
		*out = append(*out, Violation{Path: path, Reason: "unknown field kind " + string(t.Kind)})
	}
}

func (v *Validator) compile(pattern string) (*regexp.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	v.patterns[pattern] = re
	return re, nil
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
