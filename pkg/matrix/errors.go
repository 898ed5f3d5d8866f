// Copyright 2024-2026 Aiku AI

package matrix

import "errors"

// Sentinel errors for the appservice surface. The webhook layer maps them
// to Matrix API status codes.
var (
	ErrNoToken      = errors.New("no access token supplied")
	ErrBadToken     = errors.New("invalid access token")
	ErrUserNotFound = errors.New("user not found")
	ErrRoomNotFound = errors.New("room not found")
)
