package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/topgundb/topgun/pkg/auth"
)

// TestPolicyMutationSwitch tests that the global switch rejects writes for
// everyone, admins included, while reads stay open.
func TestPolicyMutationSwitch(t *testing.T) {
	p := newAccessPolicy(Config{EnableMutations: false})
	admin := &auth.Principal{Roles: []string{RoleAdmin}}
	user := &auth.Principal{Roles: []string{"USER"}}

	assert.False(t, p.Allow(user, ActionPut, "users"))
	assert.False(t, p.Allow(admin, ActionPut, "users"))
	assert.True(t, p.Allow(user, ActionRead, "users"))
}

// TestPolicyAllowlist tests map restrictions and the admin bypass.
func TestPolicyAllowlist(t *testing.T) {
	p := newAccessPolicy(Config{
		EnableMutations: true,
		AllowedMaps:     []string{"users", "orders"},
	})
	admin := &auth.Principal{Roles: []string{RoleAdmin}}
	user := &auth.Principal{Roles: []string{"USER"}}

	tests := []struct {
		name      string
		principal *auth.Principal
		action    Action
		mapName   string
		want      bool
	}{
		{"userAllowedMap", user, ActionPut, "users", true},
		{"userRestrictedMap", user, ActionPut, "internal", false},
		{"userRestrictedRead", user, ActionRead, "internal", false},
		{"adminRestrictedMap", admin, ActionPut, "internal", true},
		{"nilPrincipalRestricted", nil, ActionRead, "internal", false},
		{"nilPrincipalAllowed", nil, ActionRead, "users", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Allow(tt.principal, tt.action, tt.mapName))
		})
	}
}

// TestPolicyEmptyAllowlistAllowsAll tests that no allowlist means every
// map is open.
func TestPolicyEmptyAllowlistAllowsAll(t *testing.T) {
	p := newAccessPolicy(Config{EnableMutations: true})
	assert.True(t, p.MapAllowed("anything"))
	assert.True(t, p.Allow(nil, ActionPut, "anything"))
}

// TestFilterFields tests protected-field stripping by role.
func TestFilterFields(t *testing.T) {
	p := newAccessPolicy(Config{
		EnableMutations: true,
		ProtectedFields: map[string][]string{"users": {"ssn", "salary"}},
	})
	value := json.RawMessage(`{"name":"ada","ssn":"123","salary":10}`)

	user := &auth.Principal{Roles: []string{"USER"}}
	filtered := p.FilterFields(user, "users", value)
	assert.JSONEq(t, `{"name":"ada"}`, string(filtered))

	admin := &auth.Principal{Roles: []string{RoleAdmin}}
	assert.Equal(t, value, p.FilterFields(admin, "users", value))

	// Unprotected map passes through untouched.
	assert.Equal(t, value, p.FilterFields(user, "orders", value))

	// Value without protected fields is returned as-is.
	clean := json.RawMessage(`{"name":"ada"}`)
	assert.Equal(t, clean, p.FilterFields(user, "users", clean))

	// Non-object values cannot be filtered and pass through.
	scalar := json.RawMessage(`"hello"`)
	assert.Equal(t, scalar, p.FilterFields(user, "users", scalar))
}
