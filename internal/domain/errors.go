package domain

import "errors"

var (
	// ErrNotConnected means no delivery transport is available right now.
	ErrNotConnected = errors.New("agent not connected")
	// ErrRequestNotFound means the request id is unknown, already answered or timed out.
	ErrRequestNotFound = errors.New("request not found or timed out")
	// ErrDuplicateRequest means the request id is already pending.
	ErrDuplicateRequest = errors.New("request id already pending")
)
