package es

import (
	"context"
	"errors"
	"sync"
)

// UserCredentials is a username/password pair forwarded to role resolution.
type UserCredentials struct {
	username string
	password string
}

// NewUserCredentials validates and creates credentials. Both fields must be non-empty.
func NewUserCredentials(username, password string) (*UserCredentials, error) {
	if username == "" {
		return nil, errors.New("username cannot be empty")
	}
	if password == "" {
		return nil, errors.New("password cannot be empty")
	}
	return &UserCredentials{username: username, password: password}, nil
}

// Username returns the login name.
func (c *UserCredentials) Username() string {
	return c.username
}

// Password returns the password.
func (c *UserCredentials) Password() string {
	return c.password
}

// ErrUserNotFound indicates a user management operation targeted an unknown user.
var ErrUserNotFound = errors.New("user not found")

// RoleResolver maps caller credentials onto the role set used for ACL checks.
// Credentials may be nil for anonymous callers.
type RoleResolver interface {
	Roles(ctx context.Context, creds *UserCredentials) ([]string, error)
}

// StaticRoleResolver resolves roles from a fixed username table.
// It does not verify passwords; authentication belongs to the caller.
type StaticRoleResolver struct {
	mu    sync.RWMutex
	users map[string][]string
}

// NewStaticRoleResolver creates a resolver seeded with the given users.
func NewStaticRoleResolver(users map[string][]string) *StaticRoleResolver {
	r := &StaticRoleResolver{users: make(map[string][]string, len(users))}
	for name, roles := range users {
		r.users[name] = append([]string(nil), roles...)
	}
	return r
}

// SetRoles replaces the roles of a user.
func (r *StaticRoleResolver) SetRoles(username string, roles ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[username] = append([]string(nil), roles...)
}

// UpdateRoles replaces the roles of an existing user.
// Returns ErrUserNotFound if the user is unknown.
func (r *StaticRoleResolver) UpdateRoles(username string, roles ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[username]; !ok {
		return ErrUserNotFound
	}
	r.users[username] = append([]string(nil), roles...)
	return nil
}

// RemoveUser deletes a user. Returns ErrUserNotFound if the user is unknown.
func (r *StaticRoleResolver) RemoveUser(username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[username]; !ok {
		return ErrUserNotFound
	}
	delete(r.users, username)
	return nil
}

// Roles implements RoleResolver. Anonymous and unknown callers get no roles.
func (r *StaticRoleResolver) Roles(_ context.Context, creds *UserCredentials) ([]string, error) {
	if creds == nil {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := r.users[creds.Username()]
	return append([]string(nil), roles...), nil
}
