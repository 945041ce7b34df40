// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 64
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUnknownRole     = errors.New("unknown role")
)

type UserID string

type Role string

const (
	RoleProvider Role = "provider"
	RolePatient  Role = "patient"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleProvider, RolePatient:
		return Role(s), nil
	}
	return "", ErrUnknownRole
}

// Identity is the authenticated participant as supplied by the identity collaborator.
type Identity struct {
	UserID UserID `json:"user_id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewIdentity(id UserID, name string, role Role) (Identity, error) {
	if id == "" {
		return Identity{}, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen || len(name) > MaxUsernameLen {
		return Identity{}, ErrUsernameTooLong
	}
	if _, err := ParseRole(string(role)); err != nil {
		return Identity{}, err
	}
	if name == "" {
		name = string(id)
	}
	return Identity{UserID: id, Name: name, Role: role}, nil
}

func (i Identity) IsProvider() bool { return i.Role == RoleProvider }
