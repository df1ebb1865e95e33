// Package merge implements the Conflict & Merge Core: a
// three-way, field-level merge between a base row (what the client
// last saw), the current server row, and the client's proposed row.
package merge

import (
	"encoding/json"
	"reflect"
)

// Outcome is the result of a three-way merge attempt.
type Outcome struct {
	// Merged is the resulting row. When a genuine conflict remains
	// (both sides changed the same field to different values), each
	// conflicted field keeps the server's value; check Resolved before
	// treating Merged as a clean result.
	Merged map[string]any

	// Conflicted lists the field names where base, server, and client
	// all disagree and no automatic resolution was possible.
	Conflicted []string
}

// Resolved reports whether the merge produced a usable row with no
// remaining field conflicts.
func (o Outcome) Resolved() bool { return len(o.Conflicted) == 0 }

// ThreeWay merges base, server, and client row snapshots field by
// field. For each field:
//   - if client == base, the server's value wins (client didn't touch it)
//   - if server == base, the client's value wins (only the client changed it)
//   - if client == server, either value wins (they agree)
//   - otherwise all three differ: the field is reported as conflicted
//     and the server's current value is kept in Merged as a safe default
//
// ThreeWay is idempotent: merging a result with itself as both server
// and client input (same base) reproduces the same output with no new
// conflicts.
func ThreeWay(base, server, client json.RawMessage) (Outcome, error) {
	baseMap, err := toMap(base)
	if err != nil {
		return Outcome{}, err
	}
	serverMap, err := toMap(server)
	if err != nil {
		return Outcome{}, err
	}
	clientMap, err := toMap(client)
	if err != nil {
		return Outcome{}, err
	}

	fields := map[string]struct{}{}
	for k := range baseMap {
		fields[k] = struct{}{}
	}
	for k := range serverMap {
		fields[k] = struct{}{}
	}
	for k := range clientMap {
		fields[k] = struct{}{}
	}

	merged := make(map[string]any, len(fields))
	var conflicted []string

	for field := range fields {
		b, bOK := baseMap[field]
		s, sOK := serverMap[field]
		c, cOK := clientMap[field]

		clientChanged := !(cOK == bOK && deepEqual(c, b))
		serverChanged := !(sOK == bOK && deepEqual(s, b))

		switch {
		case !clientChanged:
			merged[field] = s
		case !serverChanged:
			merged[field] = c
		case deepEqual(s, c):
			merged[field] = s
		default:
			conflicted = append(conflicted, field)
			merged[field] = s
		}
	}

	return Outcome{Merged: merged, Conflicted: conflicted}, nil
}

func toMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
