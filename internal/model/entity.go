package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Component types understood by the entity helper.
const (
	ComponentNetwork = "network"
)

// Network roles.
const (
	RoleRoot      = "root"
	RoleSwitch    = "switch"
	RoleClient    = "client"
	RoleRouter    = "router"
	RoleInterface = "interface"
)

// Keys of a network component.
const (
	KeyRole         = "role"
	KeyUplink       = "uplink"
	KeyUplinkName   = ":uplink-name"
	KeyAddress      = "address"
	KeyExternal     = "external"
	KeyExternalName = "external_name"
	KeyDefault      = "default"
)

// Entity states.
const (
	StateAbsent = "absent"
	StateLive   = "live"
)

// Transition operations and results.
const (
	OpStart = "start"
	OpStop  = "stop"

	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Component is one component configuration tree of an entity. Values are
// whatever the configuration source decoded: strings, bools, numbers, nested
// maps and lists.
type Component map[string]interface{}

// String returns the value under key if it is a string.
func (c Component) String(key string) (string, bool) {
	s, ok := c[key].(string)
	return s, ok
}

// Bool returns the value under key if it is a bool.
func (c Component) Bool(key string) (bool, bool) {
	b, ok := c[key].(bool)
	return b, ok
}

// Uplink returns the name of the entity c is attached to, if any.
func (c Component) Uplink() (string, bool) {
	return c.String(KeyUplink)
}

// Clone returns a deep copy of c.
func (c Component) Clone() Component {
	if c == nil {
		return nil
	}
	out := make(Component, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch v := v.(type) {
	case Component:
		return v.Clone()
	case map[string]interface{}:
		return Component(v).Clone()
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Entity is a named, independently startable environment.
type Entity struct {
	Name       string               `json:"name" yaml:"name"`
	Components map[string]Component `json:"components" yaml:"components"`
	UpdatedAt  time.Time            `json:"updated_at" yaml:"-"`
}

// Network returns the network component, if declared.
func (e *Entity) Network() (Component, bool) {
	c, ok := e.Components[ComponentNetwork]
	return c, ok && c != nil
}

// Uplink returns the entity the network component is attached to, if any.
func (e *Entity) Uplink() (string, bool) {
	net, ok := e.Network()
	if !ok {
		return "", false
	}
	return net.Uplink()
}

// ComponentTypes returns the declared component types in a stable order.
func (e *Entity) ComponentTypes() []string {
	types := make([]string, 0, len(e.Components))
	for t := range e.Components {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks the shape the daemon relies on.
func (e *Entity) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("entity has no name")
	}
	for typ, c := range e.Components {
		if c == nil {
			return fmt.Errorf("entity %s: component %s is empty", e.Name, typ)
		}
	}
	if net, ok := e.Network(); ok {
		role, ok := net.String(KeyRole)
		if !ok {
			return fmt.Errorf("entity %s: network component has no role", e.Name)
		}
		if up, ok := net[KeyUplink]; ok {
			if _, isString := up.(string); !isString {
				return fmt.Errorf("entity %s: uplink must be an entity name", e.Name)
			}
		}
		if role == RoleSwitch {
			if _, ok := net.String(KeyAddress); !ok {
				return fmt.Errorf("entity %s: switch requires an address", e.Name)
			}
		}
	}
	return nil
}

// MarshalComponent serializes c the way the entity helper expects it.
func MarshalComponent(c Component) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal component: %w", err)
	}
	return string(data), nil
}

// Transition records one start or stop of an entity.
type Transition struct {
	ID         string     `json:"id"`
	Entity     string     `json:"entity"`
	Op         string     `json:"op"`
	Result     string     `json:"result"`
	ErrorName  string     `json:"error_name,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// AsComponent returns v as a Component if it is a configuration map.
func AsComponent(v interface{}) (Component, bool) {
	switch m := v.(type) {
	case Component:
		return m, true
	case map[string]interface{}:
		return Component(m), true
	}
	return nil, false
}
