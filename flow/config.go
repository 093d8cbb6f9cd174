package flow

import (
	"fmt"
	"regexp"
)

// Kind enumerates the closed set of port value kinds.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
	KindEnum    Kind = "enum"
	KindStream  Kind = "stream"
	KindAny     Kind = "any"
	KindSecret  Kind = "secret"
)

// Direction enumerates port directions. System ports carry engine-internal
// values (error outputs, event wiring) and never appear on user edges.
type Direction string

const (
	Input       Direction = "input"
	Output      Direction = "output"
	Passthrough Direction = "passthrough"
	System      Direction = "system"
)

// Config describes a port: its kind plus kind-specific constraints. It is a
// tagged union — Kind selects which optional fields are meaningful. A port's
// config is immutable during an execution.
type Config struct {
	Kind     Kind `json:"kind"`
	Required bool `json:"required,omitempty"`

	// Default is materialized into the port value when nothing is connected.
	Default any `json:"default,omitempty"`

	// UI carries rendering hints for external editors; opaque to the core.
	UI map[string]any `json:"ui,omitempty"`

	// Number constraints.
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Step *float64 `json:"step,omitempty"`

	// String constraints.
	MinLength *int   `json:"minLength,omitempty"`
	MaxLength *int   `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`

	// Item describes elements of array and stream ports.
	Item *Config `json:"itemConfig,omitempty"`

	// Schema describes fields of object ports, keyed by field name.
	Schema map[string]*Config `json:"schema,omitempty"`

	// Options lists the legal values of enum ports.
	Options []string `json:"options,omitempty"`

	// Underlying records the effective kind of an any port once connected,
	// preserving visual/logical typing without losing runtime generality.
	Underlying Kind `json:"underlyingType,omitempty"`
}

// Validate checks a candidate value against the config's kind and
// constraints. A nil value is valid unless the port is required; required
// enforcement happens at execution time, not here.
func (c *Config) Validate(value any) error {
	if value == nil {
		return nil
	}
	switch c.Kind {
	case KindString, KindSecret:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		return c.validateString(s)
	case KindNumber:
		n, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
		return c.validateNumber(n)
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
		return nil
	case KindArray, KindStream:
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
		if c.Item != nil {
			for i, item := range items {
				if err := c.Item.Validate(item); err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
			}
		}
		return nil
	case KindObject:
		fields, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
		for name, fieldCfg := range c.Schema {
			fieldVal, present := fields[name]
			if !present {
				if fieldCfg.Required {
					return fmt.Errorf("missing required field %q", name)
				}
				continue
			}
			if err := fieldCfg.Validate(fieldVal); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
		return nil
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected enum string, got %T", value)
		}
		for _, opt := range c.Options {
			if opt == s {
				return nil
			}
		}
		return fmt.Errorf("value %q not in enum options", s)
	case KindAny:
		return nil
	}
	return fmt.Errorf("unknown port kind %q", c.Kind)
}

func (c *Config) validateString(s string) error {
	if c.MinLength != nil && len(s) < *c.MinLength {
		return fmt.Errorf("string shorter than minLength %d", *c.MinLength)
	}
	if c.MaxLength != nil && len(s) > *c.MaxLength {
		return fmt.Errorf("string longer than maxLength %d", *c.MaxLength)
	}
	if c.Pattern != "" {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", c.Pattern, err)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("string does not match pattern %q", c.Pattern)
		}
	}
	return nil
}

func (c *Config) validateNumber(n float64) error {
	if c.Min != nil && n < *c.Min {
		return fmt.Errorf("number below min %v", *c.Min)
	}
	if c.Max != nil && n > *c.Max {
		return fmt.Errorf("number above max %v", *c.Max)
	}
	return nil
}

// EffectiveKind resolves the kind used for connection compatibility: the
// underlying kind for a connected any port, the declared kind otherwise.
func (c *Config) EffectiveKind() Kind {
	if c.Kind == KindAny && c.Underlying != "" {
		return c.Underlying
	}
	return c.Kind
}

// Compatible reports whether a value of kind src may flow into a port of kind
// dst. The any kind accepts and produces everything; secret values may flow
// into string ports (masking is a serialization concern, not a wire one).
func Compatible(src, dst Kind) bool {
	if src == KindAny || dst == KindAny {
		return true
	}
	if src == dst {
		return true
	}
	if src == KindSecret && dst == KindString {
		return true
	}
	return false
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
