package identity

import (
	"context"
	"sync"
)

// RoleResolver returns the roles a user currently holds
type RoleResolver interface {
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
}

// StaticRoleResolver serves roles from a fixed table. Unknown users have no roles.
type StaticRoleResolver struct {
	mu    sync.RWMutex
	roles map[string][]string
}

// NewStaticRoleResolver creates a resolver from a user -> roles table
func NewStaticRoleResolver(roles map[string][]string) *StaticRoleResolver {
	r := &StaticRoleResolver{roles: make(map[string][]string, len(roles))}
	for user, rs := range roles {
		r.roles[user] = append([]string(nil), rs...)
	}
	return r
}

// GetUserRoles implements RoleResolver
func (r *StaticRoleResolver) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.roles[userID]...), nil
}

// SetRoles replaces a user's roles
func (r *StaticRoleResolver) SetRoles(userID string, roles ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[userID] = append([]string(nil), roles...)
}

// HasRole reports whether roles contains role
func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
