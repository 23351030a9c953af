package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates a rejected login or bearer token.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
