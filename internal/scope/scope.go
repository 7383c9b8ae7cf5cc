// Package scope defines the read/write/admin scope hierarchy and the static
// mapping from operation names to the scope each one requires.
package scope

import (
	"sort"
	"strings"
)

// Scope is a named permission grant carried by a credential.
type Scope string

const (
	Read  Scope = "read"
	Write Scope = "write"
	Admin Scope = "admin"
)

// DefaultRequired is the scope demanded from operations that are not listed
// in the operation table.
const DefaultRequired = Write

// rank orders scopes so that a higher rank dominates every lower one.
var rank = map[Scope]int{
	Read:  1,
	Write: 2,
	Admin: 3,
}

// operationScopes maps operation (MCP tool) names to their required scope.
var operationScopes = map[string]Scope{
	// auth introspection
	"whoami":       Read,
	"check_access": Read,

	// records
	"list_records":   Read,
	"get_record":     Read,
	"search_records": Read,
	"create_record":  Write,
	"update_record":  Write,
	"delete_record":  Write,

	// object types and attributes
	"list_object_types":  Read,
	"get_object_type":    Read,
	"create_object_type": Admin,
	"update_object_type": Admin,
	"delete_object_type": Admin,
	"list_attributes":    Read,
	"create_attribute":   Admin,
	"update_attribute":   Admin,
	"delete_attribute":   Admin,

	// lists
	"list_lists":       Read,
	"get_list_entries": Read,
	"create_list":      Write,
	"add_to_list":      Write,
	"remove_from_list": Write,
	"delete_list":      Write,

	// notes and activity
	"list_notes":        Read,
	"create_note":       Write,
	"get_activity_feed": Read,

	// workspace administration
	"list_members":    Read,
	"invite_member":   Admin,
	"update_member":   Admin,
	"remove_member":   Admin,
	"list_api_keys":   Admin,
	"create_api_key":  Admin,
	"revoke_api_key":  Admin,
	"manage_webhooks": Admin,
}

// Supported returns the scope vocabulary in ascending order.
func Supported() []string {
	return []string{string(Read), string(Write), string(Admin)}
}

// Parse converts a string into a Scope. The second result is false when the
// string is not part of the vocabulary.
func Parse(s string) (Scope, bool) {
	sc := Scope(strings.TrimSpace(s))
	_, ok := rank[sc]
	return sc, ok
}

// ParseList splits a space-delimited scope string (RFC 6749 section 3.3).
func ParseList(s string) []string {
	return strings.Fields(s)
}

// RequiredScope returns the scope an operation requires.
func RequiredScope(operation string) Scope {
	if sc, ok := operationScopes[operation]; ok {
		return sc
	}
	return DefaultRequired
}

// Satisfies reports whether any of the granted scopes dominates required.
func Satisfies(granted []string, required Scope) bool {
	need, ok := rank[required]
	if !ok {
		return false
	}
	for _, g := range granted {
		if have, ok := rank[Scope(g)]; ok && have >= need {
			return true
		}
	}
	return false
}

// Highest returns the most powerful scope in granted, or "" when none of the
// entries are recognized.
func Highest(granted []string) Scope {
	var best Scope
	for _, g := range granted {
		sc := Scope(g)
		if rank[sc] > rank[best] {
			best = sc
		}
	}
	return best
}

// Validation is the result of ValidateScopeSet.
type Validation struct {
	Valid   bool
	Invalid []string
}

// ValidateScopeSet rejects every entry outside the fixed vocabulary.
func ValidateScopeSet(scopes []string) Validation {
	var invalid []string
	for _, s := range scopes {
		if _, ok := rank[Scope(s)]; !ok {
			invalid = append(invalid, s)
		}
	}
	return Validation{Valid: len(invalid) == 0, Invalid: invalid}
}

// Filter keeps the recognized scopes, de-duplicated and in ascending order.
func Filter(scopes []string) []string {
	seen := make(map[Scope]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		sc, ok := Parse(s)
		if !ok || seen[sc] {
			continue
		}
		seen[sc] = true
		out = append(out, string(sc))
	}
	sort.Slice(out, func(i, j int) bool {
		return rank[Scope(out[i])] < rank[Scope(out[j])]
	})
	return out
}

// Operations returns the names of all mapped operations, sorted.
func Operations() []string {
	ops := make([]string, 0, len(operationScopes))
	for op := range operationScopes {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
