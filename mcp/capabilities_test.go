package mcp

import (
	"encoding/json"
	"testing"
)

func TestCapabilitySetJSONRoundTrip(t *testing.T) {
	cs := NewCapabilitySet()
	cs.Add(CapTools, SubListChanged)
	cs.Add(CapLogging)

	data, err := json.Marshal(cs)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]map[string]bool
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}
	if !decoded["tools"]["listChanged"] {
		t.Errorf("expected tools.listChanged=true in %s", data)
	}
	if _, ok := decoded["logging"]; !ok {
		t.Errorf("expected a logging key in %s", data)
	}

	var cs2 CapabilitySet
	if err := json.Unmarshal(data, &cs2); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !cs2.Has(CapLogging) {
		t.Error("round-tripped set lost CapLogging")
	}
	if !cs2.HasSub(CapTools, SubListChanged) {
		t.Error("round-tripped set lost tools.listChanged")
	}
}

func TestCapabilitySetUnmarshalTolerantOfUnknownSubFeature(t *testing.T) {
	var cs CapabilitySet
	err := json.Unmarshal([]byte(`{"tools":{"listChanged":true,"somethingNew":true}}`), &cs)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !cs.HasSub(CapTools, SubListChanged) {
		t.Error("expected tools.listChanged to survive alongside an unknown sub-feature")
	}
	if !cs.HasSub(CapTools, SubFeature("somethingNew")) {
		t.Error("expected the unknown sub-feature to be preserved, not dropped")
	}
}

func TestCapabilitySetClone(t *testing.T) {
	cs := NewCapabilitySet()
	cs.Add(CapTools, SubListChanged)
	clone := cs.Clone()
	clone.Add(CapPrompts)
	if cs.Has(CapPrompts) {
		t.Error("mutating the clone mutated the original")
	}
	if !clone.Has(CapTools) {
		t.Error("clone lost the original's capabilities")
	}
}

func TestCapabilitySetHasOnZeroValue(t *testing.T) {
	var cs CapabilitySet
	if cs.Has(CapTools) {
		t.Error("zero-value CapabilitySet should report no capabilities")
	}
	if cs.HasSub(CapTools, SubListChanged) {
		t.Error("zero-value CapabilitySet should report no sub-features")
	}
}
