package es

import (
	"context"
	"errors"
	"testing"
)

func TestNewUserCredentials(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{"valid", "admin", "changeit", false},
		{"empty username", "", "changeit", true},
		{"empty password", "admin", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := NewUserCredentials(tt.username, tt.password)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewUserCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && creds.Username() != tt.username {
				t.Errorf("Username() = %q, want %q", creds.Username(), tt.username)
			}
		})
	}
}

func TestStaticRoleResolver(t *testing.T) {
	ctx := context.Background()
	resolver := NewStaticRoleResolver(map[string][]string{
		"alice": {"writer", "reader"},
	})

	alice, _ := NewUserCredentials("alice", "secret")
	roles, err := resolver.Roles(ctx, alice)
	if err != nil {
		t.Fatalf("Roles() error = %v", err)
	}
	if len(roles) != 2 || roles[0] != "writer" {
		t.Errorf("Roles() = %v", roles)
	}

	anonymous, err := resolver.Roles(ctx, nil)
	if err != nil || len(anonymous) != 0 {
		t.Errorf("anonymous Roles() = %v, %v", anonymous, err)
	}

	if err := resolver.UpdateRoles("alice", "admin"); err != nil {
		t.Fatalf("UpdateRoles() error = %v", err)
	}
	roles, _ = resolver.Roles(ctx, alice)
	if len(roles) != 1 || roles[0] != "admin" {
		t.Errorf("Roles() after update = %v", roles)
	}

	if err := resolver.UpdateRoles("bob", "admin"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("UpdateRoles(unknown) error = %v, want ErrUserNotFound", err)
	}
	if err := resolver.RemoveUser("alice"); err != nil {
		t.Fatalf("RemoveUser() error = %v", err)
	}
	if err := resolver.RemoveUser("alice"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("RemoveUser(twice) error = %v, want ErrUserNotFound", err)
	}
}
