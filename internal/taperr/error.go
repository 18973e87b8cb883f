// Package taperr defines the typed errors surfaced by the player.
package taperr

import (
	"errors"
	"fmt"
)

// Severity decides how the player reacts to an error.
type Severity int

const (
	// SeverityWarn is logged and otherwise ignored.
	SeverityWarn Severity = iota
	// SeverityError is recoverable; the transport retries or fails over.
	SeverityError
	// SeverityFatal tears the player down on the next tick.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	case SeverityFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Code identifies an error condition.
type Code string

const (
	BufferAppend              Code = "BUFFER_APPEND"
	CDNExhausted              Code = "CDN_EXHAUSTED"
	ContentProtectionNotFound Code = "CONTENT_PROTECTION_NOT_FOUND"
	CreateMediaKeys           Code = "CREATE_MEDIA_KEYS"
	InitializeKeySession      Code = "INITIALIZE_KEY_SESSION"
	LicenseRequestFailed      Code = "LICENSE_REQUEST_FAILED"
	ManifestParse             Code = "MANIFEST_PARSE"
	ManifestTypeUnsupported   Code = "MANIFEST_TYPE_UNSUPPORTED"
	MediaKeySessionUpdate     Code = "MEDIA_KEY_SESSION_UPDATE"
	MediaSourceNotSupported   Code = "MEDIA_SOURCE_NOT_SUPPORTED"
	RequestMediaKeyAccess     Code = "REQUEST_MEDIA_KEY_ACCESS"
	SegmentIndex              Code = "SEGMENT_INDEX"
	TextTrackNotSupported     Code = "TEXT_TRACK_NOT_SUPPORTED"
	XHRAbort                  Code = "XHR_ABORT"
	XHRLoad                   Code = "XHR_LOAD"
	XHRNetwork                Code = "XHR_NETWORK"
	XHRRetry                  Code = "XHR_RETRY"
	XHRTimeout                Code = "XHR_TIMEOUT"
	XHRUnknown                Code = "XHR_UNKNOWN"
)

// ErrNotReady is returned by public entry points when the player has not
// been loaded yet or has already been destroyed.
var ErrNotReady = errors.New("player not ready")

// Error is a player error carrying a code and a severity.
type Error struct {
	Code     Code
	Severity Severity
	Message  string
	Err      error
}

// New builds an Error.
func New(code Code, severity Severity, message string) *Error {
	return &Error{Code: code, Severity: severity, Message: message}
}

// Wrap builds an Error around a cause.
func Wrap(code Code, severity Severity, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: code, Severity: severity, Message: msg, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Severity, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is a Fatal player error.
func IsFatal(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Severity == SeverityFatal
}

// CodeOf returns the code of a player error, or "" for any other error.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
