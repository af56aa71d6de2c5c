// Package errs defines the error taxonomy shared by the daemon, the gateway
// and the short-lived CLI clients.
//
// Components wrap these sentinels with fmt.Errorf("...: %w") so callers can
// classify failures with errors.Is, and the socket layer can turn any error
// into a stable wire code with Code.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrNoMatch     = errors.New("no matching session")
	ErrDuplicateID = errors.New("duplicate session id")
	ErrUnreachable = errors.New("daemon unreachable")
	ErrInvalid     = errors.New("invalid request")
	ErrTimeout     = errors.New("timed out")
)

// Wire codes for error responses.
const (
	CodeNotFound    = "not_found"
	CodeNoMatch     = "no_match"
	CodeDuplicateID = "duplicate_id"
	CodeUnreachable = "unreachable"
	CodeInvalid     = "invalid"
	CodeTimeout     = "timeout"
	CodeInternal    = "internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNotFound, CodeNotFound},
	{ErrNoMatch, CodeNoMatch},
	{ErrDuplicateID, CodeDuplicateID},
	{ErrUnreachable, CodeUnreachable},
	{ErrInvalid, CodeInvalid},
	{ErrTimeout, CodeTimeout},
}

// Code returns the wire code for err. Unclassified errors map to
// CodeInternal and nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode rebuilds a classified error from a wire code and message, so a
// client can use errors.Is on failures reported by the daemon.
func FromCode(code, message string) error {
	for _, c := range codes {
		if c.code == code {
			if rest, ok := strings.CutPrefix(message, c.err.Error()); ok {
				return fmt.Errorf("%w%s", c.err, rest)
			}
			return fmt.Errorf("%w: %s", c.err, message)
		}
	}
	return errors.New(message)
}

// Invalidf returns an ErrInvalid wrapped with a formatted detail.
func Invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// NotFoundf returns an ErrNotFound wrapped with a formatted detail.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
