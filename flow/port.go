package flow

import (
	"fmt"
	"sync"
)

// Port is a named, typed connection point on a node. It carries a current
// value; resolution state (whether the value is final for this execution) is
// tracked by the engine, not the port.
//
// A port's kind and schema never change during an execution. Values may be
// set repeatedly until the engine marks the port resolved.
type Port struct {
	id        string
	key       string
	direction Direction

	mu       sync.RWMutex
	config   *Config
	value    any
	hasValue bool
}

// NewPort creates a port. The key defaults to the id, which is the convention
// for root ports; nested ports override the key via NewPortWithKey.
func NewPort(id string, direction Direction, config *Config) *Port {
	return NewPortWithKey(id, id, direction, config)
}

// NewPortWithKey creates a port with an explicit key. Keys are stable within
// a node type while ids are unique within a node instance.
func NewPortWithKey(id, key string, direction Direction, config *Config) *Port {
	if config == nil {
		config = &Config{Kind: KindAny}
	}
	p := &Port{id: id, key: key, direction: direction, config: config}
	if config.Default != nil {
		p.value = config.Default
		p.hasValue = true
	}
	return p
}

// ID returns the port's identifier, unique within its node.
func (p *Port) ID() string { return p.id }

// Key returns the port's stable key within the node type.
func (p *Port) Key() string { return p.key }

// Direction returns the port direction.
func (p *Port) Direction() Direction { return p.direction }

// IsSystem reports whether this is a system port.
func (p *Port) IsSystem() bool { return p.direction == System }

// Config returns the port's configuration. Callers must treat it as
// read-only during execution.
func (p *Port) Config() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// Kind returns the declared kind.
func (p *Port) Kind() Kind { return p.Config().Kind }

// Value returns the port's current value and whether one has been set.
func (p *Port) Value() (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value, p.hasValue
}

// SetValue validates and stores a value on the port.
func (p *Port) SetValue(value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.config.Validate(value); err != nil {
		return fmt.Errorf("port %s: %w", p.id, err)
	}
	p.value = value
	p.hasValue = true
	return nil
}

// Validate checks a candidate value against the port config without storing.
func (p *Port) Validate(value any) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Validate(value)
}

// SetUnderlying records the effective kind on an any port at connection time.
// No-op for ports of other kinds.
func (p *Port) SetUnderlying(kind Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.config.Kind != KindAny {
		return
	}
	cfg := *p.config
	cfg.Underlying = kind
	p.config = &cfg
}

// PortState is the serialized form of a port.
type PortState struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Direction Direction `json:"direction"`
	Config    *Config   `json:"config"`
	Value     any       `json:"value,omitempty"`
	HasValue  bool      `json:"hasValue,omitempty"`
}

// Serialize captures the port's full state. Secret values survive the round
// trip; use SerializeMasked for UI-facing output.
func (p *Port) Serialize() PortState {
	return p.serialize(false)
}

// SerializeMasked captures the port's state with secret values replaced by a
// mask, for UI-oriented serializations.
func (p *Port) SerializeMasked() PortState {
	return p.serialize(true)
}

func (p *Port) serialize(mask bool) PortState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state := PortState{
		ID:        p.id,
		Key:       p.key,
		Direction: p.direction,
		Config:    p.config,
		Value:     p.value,
		HasValue:  p.hasValue,
	}
	if mask && p.config.Kind == KindSecret && p.hasValue {
		state.Value = "********"
	}
	return state
}

// restorePort rebuilds a port from its serialized state.
func restorePort(state PortState) *Port {
	p := NewPortWithKey(state.ID, state.Key, state.Direction, state.Config)
	if state.HasValue {
		p.mu.Lock()
		p.value = state.Value
		p.hasValue = true
		p.mu.Unlock()
	}
	return p
}
