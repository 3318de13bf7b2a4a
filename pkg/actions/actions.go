// Package actions holds the fixed response-action table. Classification is a
// pure function of the action id; changing the table is a code change.
package actions

import (
	"sort"
	"strings"

	"ransomeye/pkg/denial"
)

type Class string

const (
	Safe        Class = "SAFE"
	Destructive Class = "DESTRUCTIVE"
)

type ID string

const (
	BlockProcess            ID = "BLOCK_PROCESS"
	BlockNetworkConnection  ID = "BLOCK_NETWORK_CONNECTION"
	TemporaryFirewallRule   ID = "TEMPORARY_FIREWALL_RULE"
	QuarantineFile          ID = "QUARANTINE_FILE"
	IsolateHost             ID = "ISOLATE_HOST"
	LockUser                ID = "LOCK_USER"
	DisableService          ID = "DISABLE_SERVICE"
	MassProcessKill         ID = "MASS_PROCESS_KILL"
	NetworkSegmentIsolation ID = "NETWORK_SEGMENT_ISOLATION"
)

// Definition is one row of the table.
type Definition struct {
	ID    ID    `json:"action_id"`
	Class Class `json:"classification"`
}

var table = map[ID]Class{
	BlockProcess:            Safe,
	BlockNetworkConnection:  Safe,
	TemporaryFirewallRule:   Safe,
	QuarantineFile:          Safe,
	IsolateHost:             Destructive,
	LockUser:                Destructive,
	DisableService:          Destructive,
	MassProcessKill:         Destructive,
	NetworkSegmentIsolation: Destructive,
}

// Legacy names still emitted by older policy engines.
var aliases = map[string]ID{
	"BLOCK_NETWORK":     BlockNetworkConnection,
	"QUARANTINE_HOST":   IsolateHost,
	"TERMINATE_PROCESS": MassProcessKill,
	"DISABLE_USER":      LockUser,
	"REVOKE_ACCESS":     LockUser,
}

// Normalize resolves aliases and case. It never invents an id outside the table.
func Normalize(raw string) (ID, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if key == "" {
		return "", denial.New("CLASSIFICATION", denial.UnknownAction, "action id required")
	}
	if id, ok := aliases[key]; ok {
		return id, nil
	}
	if _, ok := table[ID(key)]; ok {
		return ID(key), nil
	}
	return "", denial.New("CLASSIFICATION", denial.UnknownAction, "action %q is not in the action table", raw)
}

// Classify returns the fixed class of an action. Unknown ids are an error,
// never SAFE.
func Classify(raw string) (Definition, error) {
	id, err := Normalize(raw)
	if err != nil {
		return Definition{}, err
	}
	return Definition{ID: id, Class: table[id]}, nil
}

// All returns a copy of the table ordered by id.
func All() []Definition {
	out := make([]Definition, 0, len(table))
	for id, class := range table {
		out = append(out, Definition{ID: id, Class: class})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c Class) IsDestructive() bool { return c == Destructive }
