package marshal

import (
	"fmt"
	"strings"

	"github.com/ricsam/isolated/internal/frame"
)

// domExceptionKinds lists the web-platform exception kinds that the guest
// side should reconstruct as a DOMException with a matching `name`, rather
// than as a plain Error subclass (spec.md §4.2, §7).
var domExceptionKinds = map[string]bool{
	"NotSupportedError":     true,
	"InvalidAccessError":    true,
	"OperationError":        true,
	"DataError":             true,
	"QuotaExceededError":    true,
	"InvalidCharacterError": true,
}

// IsDOMExceptionKind reports whether name should be reconstructed as a
// DOMException rather than a generic Error/TypeError.
func IsDOMExceptionKind(name string) bool {
	return domExceptionKinds[name]
}

// EncodeErrorMessage applies the bracketed-prefix convention used at the
// bridge membrane: "[TypeError]details". Decoders on the other side split on
// the first closing bracket to recover name and message independently of
// frame.ErrorPayload, which is how the scripted error-bubbling path in
// internal/bridge reuses a single string field for both a name and a
// message when only one is available (e.g. from otto's error formatting).
func EncodeErrorMessage(name, message string) string {
	return fmt.Sprintf("[%s]%s", name, message)
}

// DecodeErrorMessage reverses EncodeErrorMessage. If s does not start with a
// bracketed prefix, the whole string is treated as the message and the name
// defaults to "Error".
func DecodeErrorMessage(s string) (name, message string) {
	if len(s) == 0 || s[0] != '[' {
		return "Error", s
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return "Error", s
	}
	return s[1:end], s[end+1:]
}

// ToErrorPayload builds the frame-level error payload for err, using kind as
// the error's `name` when err does not already carry one.
func ToErrorPayload(kind string, err error) *frame.ErrorPayload {
	if err == nil {
		return nil
	}
	if kind == "" {
		kind = "Error"
	}
	return &frame.ErrorPayload{Name: kind, Message: err.Error()}
}

// HostError is an error value that remembers its web-platform kind so the
// bridge can round-trip it back to the guest with the right constructor.
type HostError struct {
	Kind    string
	Message string
}

func (e *HostError) Error() string { return e.Message }

// NewHostError builds a HostError, defaulting an empty kind to "Error".
func NewHostError(kind, message string) *HostError {
	if kind == "" {
		kind = "Error"
	}
	return &HostError{Kind: kind, Message: message}
}
