// Package schema defines the closed-form event schema model and the
// structural validator that checks event payloads against it.
package schema

import "fmt"

// Kind identifies which variant of FieldType is populated. FieldType is a
// closed sum type: exactly one of the kind-specific fields below is set,
// selected by Kind.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindBytes  Kind = "bytes"
	KindEnum   Kind = "enum"
	KindArray  Kind = "array"
	KindObject Kind = "object"
)

// FieldType is a closed, recursive sum type describing the shape a field's
// value must take. Array and Object are the only recursive variants; both
// box their child through a pointer so FieldType itself stays a fixed-size
// value and can be embedded in Field without an indirect allocation at the
// leaves.
type FieldType struct {
	Kind Kind

	// EnumValues is populated when Kind == KindEnum.
	EnumValues []string

	// Element is populated when Kind == KindArray: the type of each element.
	Element *FieldType

	// Fields is populated when Kind == KindObject: the nested schema.
	Fields []Field
}

// Field is one named, typed member of a Schema or of a nested object.
type Field struct {
	Name     string
	Type     FieldType
	Required bool

	// Pattern is an optional regular expression a KindString value must
	// match. Empty means unconstrained.
	Pattern string
}

// Schema is a named, versioned description of the shape event payloads of
// a given Type must take.
type Schema struct {
	Subject string
	Version uint64
	Fields  []Field
}

// String builds a stable string representation of FieldType, used for
// fingerprinting and for error messages. It deliberately avoids reflection
// so recursive structures print in constant stack depth per level.
func (t FieldType) String() string {
	switch t.Kind {
	case KindEnum:
		return fmt.Sprintf("enum%v", t.EnumValues)
	case KindArray:
		if t.Element == nil {
			return "array<?>"
		}
		return fmt.Sprintf("array<%s>", t.Element.String())
	case KindObject:
		return fmt.Sprintf("object(%d fields)", len(t.Fields))
	default:
		return string(t.Kind)
	}
}

// FieldByName returns the field with the given name, if present.
func (s Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
