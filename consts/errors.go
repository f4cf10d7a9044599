package consts

import "errors"

var (
	ErrConfig               = errors.New("invalid configuration")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrMatchEvaluation      = errors.New("match evaluation failed")
	ErrMailetExecution      = errors.New("mailet execution failed")
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	ErrUserNotFound    = errors.New("user not found")
	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrUserExists      = errors.New("user already exists")

	ErrMalformedMessage   = errors.New("malformed message")
	ErrRelayNotConfigured = errors.New("relay not configured")
)
