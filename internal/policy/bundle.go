// Package policy implements the PolicyBundle component (C1): seven named
// groups of key/value settings, independently versioned, JSON-serializable
// per group, safe under concurrent readers and writers.
package policy

import (
	"encoding/json"
	"sync"

	"github.com/edgefog/agentd/internal/agentstate"
)

// Group names the seven policy groups the bundle carries.
type Group string

const (
	GroupLMR  Group = "LMR"  // RAM_MIN
	GroupLDR  Group = "LDR"  // DISK_MIN
	GroupPLSP Group = "PLSP" // reserved, opaque
	GroupALSP Group = "ALSP" // reserved, opaque
	GroupLPP  Group = "LPP"  // leader-protection timings/thresholds
	GroupLRP  Group = "LRP"  // REELECTION_ALLOWED
	GroupDP   Group = "DP"   // distribution sync settings
)

// allGroups is the fixed set this bundle recognizes; any other group name
// passed to SetGroupJSON/GetGroupJSON is a no-op/empty-object respectively.
var allGroups = []Group{GroupLMR, GroupLDR, GroupPLSP, GroupALSP, GroupLPP, GroupLRP, GroupDP}

// opaqueGroups preserve an arbitrary key->value round-trip: the core defines
// no fixed keys for them, so SetGroupJSON must not filter their contents
// against a (non-existent) defaults set.
var opaqueGroups = map[Group]bool{GroupPLSP: true, GroupALSP: true}

func defaultValues() map[Group]map[string]interface{} {
	return map[Group]map[string]interface{}{
		GroupLMR: {
			"RAM_MIN": 2000,
		},
		GroupLDR: {
			"DISK_MIN": 2000,
		},
		GroupPLSP: {},
		GroupALSP: {},
		GroupLPP: {
			"BACKUP_MINIMUM":                1,
			"BACKUP_MAXIMUM":                nil,
			"MAX_TTL":                       30,
			"MAX_RETRY_ATTEMPTS":            5,
			"TIME_TO_WAIT_BACKUP_SELECTION": 3.0,
			"TIME_KEEPALIVE":                1.0,
			"TIME_KEEPER":                   0.1,
		},
		GroupLRP: {
			"REELECTION_ALLOWED": true,
		},
		GroupDP: {
			"SYNC_ENABLED": false,
			"SYNC_PERIOD":  60.0,
		},
	}
}

// Bundle is the concurrent-safe mapping described in spec.md §4.1. Each
// group has its own copy-on-write slot guarded by a single RWMutex: readers
// never observe a torn group because SetGroupJSON builds the new map before
// publishing it.
type Bundle struct {
	mu       sync.RWMutex
	defaults map[Group]map[string]interface{}
	values   map[Group]map[string]interface{}
}

// NewBundle returns a bundle seeded with the defaults from spec.md §3.
func NewBundle() *Bundle {
	defaults := defaultValues()
	values := make(map[Group]map[string]interface{}, len(defaults))
	for g, kv := range defaults {
		values[g] = cloneMap(kv)
	}
	return &Bundle{defaults: defaults, values: values}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Get returns the value for group/key, or def if the group is unrecognized
// or the key isn't present. It never mutates state.
func (b *Bundle) Get(group Group, key string, def interface{}) interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.values[group]
	if !ok {
		return def
	}
	v, ok := g[key]
	if !ok {
		return def
	}
	return v
}

// SetGroupJSON replaces, for every key present in group's defaults (or every
// key at all for the opaque PLSP/ALSP groups), the value found in the
// incoming JSON object. Keys absent from the defaults of a non-opaque group
// are discarded silently. Malformed JSON fails the call without mutating
// state.
func (b *Bundle) SetGroupJSON(group Group, data []byte) error {
	var incoming map[string]json.RawMessage
	if err := json.Unmarshal(data, &incoming); err != nil {
		return &agentstate.PolicyError{Group: string(group), Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, known := b.values[group]
	if !known {
		// Unrecognized group names are ignored, per spec: "unknown keys on
		// input are ignored silently" generalizes to unknown groups too.
		return nil
	}

	next := cloneMap(current)
	if opaqueGroups[group] {
		for k, raw := range incoming {
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return &agentstate.PolicyError{Group: string(group), Err: err}
			}
			next[k] = v
		}
	} else {
		defaults := b.defaults[group]
		for k := range defaults {
			raw, present := incoming[k]
			if !present {
				continue
			}
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return &agentstate.PolicyError{Group: string(group), Err: err}
			}
			next[k] = v
		}
	}

	b.values[group] = next
	return nil
}

// GetGroupJSON serializes one group to its JSON object form. Unknown groups
// serialize to "{}".
func (b *Bundle) GetGroupJSON(group Group) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.values[group]
	if !ok {
		return []byte("{}"), nil
	}
	return json.Marshal(g)
}

// Groups lists every group name this bundle recognizes, in a stable order.
func Groups() []Group {
	out := make([]Group, len(allGroups))
	copy(out, allGroups)
	return out
}
