package server

import (
	"encoding/json"

	"github.com/topgundb/topgun/pkg/auth"
)

// Action is a permission category checked at the pipeline boundary.
type Action string

const (
	ActionRead Action = "READ"
	ActionPut  Action = "PUT"
)

// RoleAdmin sees protected fields and bypasses map restrictions.
const RoleAdmin = "ADMIN"

// accessPolicy enforces map allowlists, the mutation switch, and role-based
// field visibility.
type accessPolicy struct {
	allowedMaps     map[string]struct{}
	enableMutations bool
	protectedFields map[string][]string
}

func newAccessPolicy(cfg Config) *accessPolicy {
	p := &accessPolicy{
		enableMutations: cfg.EnableMutations,
		protectedFields: cfg.ProtectedFields,
	}
	if len(cfg.AllowedMaps) > 0 {
		p.allowedMaps = make(map[string]struct{}, len(cfg.AllowedMaps))
		for _, m := range cfg.AllowedMaps {
			p.allowedMaps[m] = struct{}{}
		}
	}
	return p
}

// MapAllowed reports whether clients may touch the map at all.
func (p *accessPolicy) MapAllowed(mapName string) bool {
	if p.allowedMaps == nil {
		return true
	}
	_, ok := p.allowedMaps[mapName]
	return ok
}

// Allow decides one principal/action/map triple. Admins pass everything
// except the global mutation switch.
func (p *accessPolicy) Allow(principal *auth.Principal, action Action, mapName string) bool {
	if action == ActionPut && !p.enableMutations {
		return false
	}
	if !p.MapAllowed(mapName) {
		return principal.HasRole(RoleAdmin)
	}
	return true
}

// FilterFields strips protected fields from a record value for principals
// without the admin role. Returns the value unchanged when nothing applies.
func (p *accessPolicy) FilterFields(principal *auth.Principal, mapName string, value json.RawMessage) json.RawMessage {
	fields := p.protectedFields[mapName]
	if len(fields) == 0 || principal.HasRole(RoleAdmin) {
		return value
	}
	var doc map[string]any
	if err := json.Unmarshal(value, &doc); err != nil {
		return value
	}
	changed := false
	for _, f := range fields {
		if _, ok := doc[f]; ok {
			delete(doc, f)
			changed = true
		}
	}
	if !changed {
		return value
	}
	filtered, err := json.Marshal(doc)
	if err != nil {
		return value
	}
	return filtered
}
