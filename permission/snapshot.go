package permission

import (
	"encoding/json"
	"sort"
)

// Grant is one permitted action on a resource of a module.
type Grant struct {
	Module   string `json:"modulo"`
	Resource string `json:"recurso"`
	Action   string `json:"accion"`
}

func (g Grant) less(o Grant) bool {
	if g.Module != o.Module {
		return g.Module < o.Module
	}
	if g.Resource != o.Resource {
		return g.Resource < o.Resource
	}
	return g.Action < o.Action
}

// Snapshot is an immutable set of grants. The zero value is the empty set.
type Snapshot struct {
	set map[Grant]struct{}
}

// NewSnapshot builds a set from grants. Duplicates collapse.
func NewSnapshot(grants ...Grant) Snapshot {
	set := make(map[Grant]struct{}, len(grants))
	for _, g := range grants {
		set[g] = struct{}{}
	}
	return Snapshot{set: set}
}

// Len returns the number of distinct grants.
func (s Snapshot) Len() int {
	return len(s.set)
}

// Has reports whether g is granted.
func (s Snapshot) Has(g Grant) bool {
	_, ok := s.set[g]
	return ok
}

// Allows reports whether action on module/resource is granted.
func (s Snapshot) Allows(module, resource, action string) bool {
	return s.Has(Grant{Module: module, Resource: resource, Action: action})
}

// Equal compares by set membership.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s.set) != len(o.set) {
		return false
	}
	for g := range s.set {
		if _, ok := o.set[g]; !ok {
			return false
		}
	}
	return true
}

// Diff returns the grants only in s (removed from o's point of view) and the grants
// only in o (added).
func (s Snapshot) Diff(o Snapshot) (onlyHere, onlyThere []Grant) {
	for g := range s.set {
		if !o.Has(g) {
			onlyHere = append(onlyHere, g)
		}
	}
	for g := range o.set {
		if !s.Has(g) {
			onlyThere = append(onlyThere, g)
		}
	}
	sortGrants(onlyHere)
	sortGrants(onlyThere)
	return onlyHere, onlyThere
}

// Grants returns the grants in deterministic order.
func (s Snapshot) Grants() []Grant {
	out := make([]Grant, 0, len(s.set))
	for g := range s.set {
		out = append(out, g)
	}
	sortGrants(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Grants())
}

// UnmarshalJSON decodes an array of grants.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var grants []Grant
	if err := json.Unmarshal(data, &grants); err != nil {
		return err
	}
	*s = NewSnapshot(grants...)
	return nil
}

func sortGrants(gs []Grant) {
	sort.Slice(gs, func(i, j int) bool { return gs[i].less(gs[j]) })
}
