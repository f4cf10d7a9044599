// Package errors holds the typed errors of the routing core. Every type
// unwraps to one of the sentinels in consts, so callers can classify a
// failure with errors.Is without inspecting its fields.
package errors

import (
	"fmt"
	"strings"

	"github.com/migadu/mailroute/consts"
)

// ConfigError reports an invalid matcher or mailet configuration. Keys names
// the offending configuration keys, if any.
type ConfigError struct {
	Component string
	Keys      []string
	Err       error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: invalid configuration", e.Component)
	if len(e.Keys) > 0 {
		fmt.Fprintf(&b, " (keys: %s)", strings.Join(e.Keys, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{consts.ErrConfig}
	}
	return []error{consts.ErrConfig, e.Err}
}

// NewConfigError returns a ConfigError with a formatted cause.
func NewConfigError(component string, format string, args ...any) *ConfigError {
	return &ConfigError{Component: component, Err: fmt.Errorf(format, args...)}
}

// AddressError reports a literal that failed address syntax validation.
type AddressError struct {
	Input string
	Err   error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid address '%s': %v", e.Input, e.Err)
}

func (e *AddressError) Unwrap() []error {
	return []error{consts.ErrInvalidAddress, e.Err}
}

// MatchError reports a failure while a matcher evaluated a message.
type MatchError struct {
	Matcher string
	Mail    string
	Err     error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("matcher %s failed on mail %s: %v", e.Matcher, e.Mail, e.Err)
}

func (e *MatchError) Unwrap() []error {
	return []error{consts.ErrMatchEvaluation, e.Err}
}

// MailetError reports a failure while a mailet serviced a message.
type MailetError struct {
	Mailet string
	Mail   string
	Err    error
}

func (e *MailetError) Error() string {
	return fmt.Sprintf("mailet %s failed on mail %s: %v", e.Mailet, e.Mail, e.Err)
}

func (e *MailetError) Unwrap() []error {
	return []error{consts.ErrMailetExecution, e.Err}
}

// DirectoryError reports a failure enumerating users or their mailboxes.
type DirectoryError struct {
	Operation string
	User      string
	Err       error
}

func (e *DirectoryError) Error() string {
	if e.User != "" {
		return fmt.Sprintf("directory %s for user %s: %v", e.Operation, e.User, e.Err)
	}
	return fmt.Sprintf("directory %s: %v", e.Operation, e.Err)
}

func (e *DirectoryError) Unwrap() []error {
	return []error{consts.ErrDirectoryUnavailable, e.Err}
}
