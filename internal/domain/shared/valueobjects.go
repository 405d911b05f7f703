package shared

import (
	"context"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// IDENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Role is the caller's role as asserted by the identity provider.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
	// RoleSystem is used by internal producers such as the workflow machine.
	RoleSystem Role = "system"
)

// IsValid checks if the role is known.
func (r Role) IsValid() bool {
	switch r {
	case RoleStudent, RoleInstructor, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// ParseRole normalizes a role string. Unknown roles map to RoleStudent,
// the least privileged one.
func ParseRole(s string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.IsValid() {
		return RoleStudent
	}
	return r
}

// Identity is an already-authenticated caller.
type Identity struct {
	ID   string
	Role Role
}

// CanActFor reports whether the identity may attribute an action to studentID.
// Students may only act for themselves.
func (i Identity) CanActFor(studentID string) bool {
	if i.ID == "" {
		return false
	}
	switch i.Role {
	case RoleInstructor, RoleAdmin, RoleSystem:
		return true
	}
	return i.ID == studentID
}

// IsPrivileged reports whether the identity may run administrative operations.
func (i Identity) IsPrivileged() bool {
	return i.Role == RoleInstructor || i.Role == RoleAdmin || i.Role == RoleSystem
}

// IdentityProvider resolves the authenticated caller for a request.
type IdentityProvider interface {
	CurrentUser(ctx context.Context) (Identity, error)
}

type identityKey struct{}

// ContextWithIdentity attaches an identity to ctx.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// ContextIdentityProvider reads the identity attached by the transport layer.
type ContextIdentityProvider struct{}

// CurrentUser implements IdentityProvider.
func (ContextIdentityProvider) CurrentUser(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.ID == "" {
		return Identity{}, NewDomainError("identity", "CurrentUser", ErrUnauthorized, "no authenticated identity")
	}
	return id, nil
}

// SystemIdentity is used for engine-internal producers.
var SystemIdentity = Identity{ID: "system", Role: RoleSystem}

// ══════════════════════════════════════════════════════════════════════════════
// SCORE
// ══════════════════════════════════════════════════════════════════════════════

// Score is a percentage in [0, 100].
type Score float64

const (
	MinScore Score = 0
	MaxScore Score = 100
)

// IsValid checks if the score is in range.
func (s Score) IsValid() bool {
	return s >= MinScore && s <= MaxScore
}

// Float64 returns the raw value.
func (s Score) Float64() float64 {
	return float64(s)
}
