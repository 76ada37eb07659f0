package mcp

import "encoding/json"

// Capability names a top-level MCP feature flag exchanged at handshake time.
type Capability string

// Capability flags defined by the MCP handshake, per spec.md §3.
const (
	CapTools        Capability = "tools"
	CapPrompts      Capability = "prompts"
	CapResources    Capability = "resources"
	CapLogging      Capability = "logging"
	CapSampling     Capability = "sampling"
	CapRoots        Capability = "roots"
	CapElicitation  Capability = "elicitation"
	CapCompletion   Capability = "completion"
)

// SubFeature names a nested flag under a Capability (e.g. "tools" can also
// advertise "listChanged").
type SubFeature string

const (
	SubListChanged SubFeature = "listChanged"
	SubSubscribe   SubFeature = "subscribe"
)

// CapabilitySet is one side's advertised capabilities: which top-level
// features it supports, and which sub-features each enables.
type CapabilitySet struct {
	flags map[Capability]map[SubFeature]bool
}

// NewCapabilitySet returns an empty CapabilitySet.
func NewCapabilitySet() CapabilitySet {
	return CapabilitySet{flags: make(map[Capability]map[SubFeature]bool)}
}

// Add enables cap, along with any of the given sub-features.
func (cs *CapabilitySet) Add(cap Capability, subs ...SubFeature) {
	if cs.flags == nil {
		cs.flags = make(map[Capability]map[SubFeature]bool)
	}
	m, ok := cs.flags[cap]
	if !ok {
		m = make(map[SubFeature]bool)
		cs.flags[cap] = m
	}
	for _, s := range subs {
		m[s] = true
	}
}

// Has reports whether cap is advertised at all.
func (cs CapabilitySet) Has(cap Capability) bool {
	if cs.flags == nil {
		return false
	}
	_, ok := cs.flags[cap]
	return ok
}

// HasSub reports whether cap is advertised with the given sub-feature
// enabled.
func (cs CapabilitySet) HasSub(cap Capability, sub SubFeature) bool {
	if cs.flags == nil {
		return false
	}
	m, ok := cs.flags[cap]
	return ok && m[sub]
}

// MarshalJSON encodes cs the way the handshake's "capabilities" object is
// shaped on the wire: one key per advertised Capability, whose value is an
// object with one boolean-valued key per enabled SubFeature.
func (cs CapabilitySet) MarshalJSON() ([]byte, error) {
	out := make(map[string]map[string]bool, len(cs.flags))
	for cap, subs := range cs.flags {
		m := make(map[string]bool, len(subs))
		for s, v := range subs {
			if v {
				m[string(s)] = true
			}
		}
		out[string(cap)] = m
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a handshake "capabilities" object. Unrecognized
// sub-feature keys are kept (as false until explicitly set true) rather than
// rejected, so a peer advertising a newer sub-feature this version doesn't
// know about doesn't fail the handshake.
func (cs *CapabilitySet) UnmarshalJSON(data []byte) error {
	var raw map[string]map[string]bool
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := NewCapabilitySet()
	for cap, subs := range raw {
		m := make(map[SubFeature]bool, len(subs))
		for s, v := range subs {
			if v {
				m[SubFeature(s)] = true
			}
		}
		out.flags[Capability(cap)] = m
	}
	*cs = out
	return nil
}

// Clone returns an independent copy of cs.
func (cs CapabilitySet) Clone() CapabilitySet {
	out := NewCapabilitySet()
	for cap, subs := range cs.flags {
		m := make(map[SubFeature]bool, len(subs))
		for s, v := range subs {
			m[s] = v
		}
		out.flags[cap] = m
	}
	return out
}

// methodRequirement records which side must advertise a capability for a
// given method to be called.
type methodRequirement struct {
	cap Capability
	// responderMustAdvertise is true for every entry: the side that
	// implements the method (tools/list is implemented by the server, so
	// the server must advertise "tools"). Engine does not read it: Request
	// always checks the peer's capabilities and inbound dispatch always
	// checks this side's own.
	responderMustAdvertise bool
}

// builtinMethodRequirements are the capability gates every Engine starts
// with, for the feature methods whose capability this core knows by name.
// The core registers no handlers for them; handlers for these and for
// domain methods (tools/prompts/resources business logic) are supplied by
// the caller, and other methods register their requirements via
// [Engine.RequireCapability].
var builtinMethodRequirements = map[string]methodRequirement{
	"roots/list":              {cap: CapRoots, responderMustAdvertise: true},
	"sampling/createMessage":  {cap: CapSampling, responderMustAdvertise: true},
	"elicitation/create":      {cap: CapElicitation, responderMustAdvertise: true},
	"logging/setLevel":        {cap: CapLogging, responderMustAdvertise: true},
	"completion/complete":     {cap: CapCompletion, responderMustAdvertise: true},
}
