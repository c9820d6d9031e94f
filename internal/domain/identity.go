// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
	MaxContactLen  = 64
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrContactTooLong  = errors.New("contact too long")
)

type UserID string

// Identity is the caller-supplied description of who a peer is.
// It is trusted as-is; authenticating the connection is the job of
// whatever sits in front of the signaling endpoint.
type Identity struct {
	UserID   UserID `json:"userId"`
	Username string `json:"username"`
	Contact  string `json:"contact"`
}

func (id Identity) Validate() error {
	if len(id.UserID) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	if len(id.Username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	if len(id.Contact) > MaxContactLen {
		return ErrContactTooLong
	}
	return nil
}

// Merge overlays non-empty fields of other onto id, preserving anything
// the caller did not supply.
func (id Identity) Merge(other Identity) Identity {
	if other.UserID != "" {
		id.UserID = other.UserID
	}
	if other.Username != "" {
		id.Username = other.Username
	}
	if other.Contact != "" {
		id.Contact = other.Contact
	}
	return id
}
