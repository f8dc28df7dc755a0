package plugin

import (
	"errors"
	"fmt"
)

// Kind is the category of a plugin failure.
type Kind int

// Plugin error kinds.
const (
	KindAcquire Kind = iota + 1
	KindRelease
	KindTokenRefresh
	KindValidation
	KindConfigParse
	KindTransform
	KindRiskControl
	KindUnsupportedModel
	KindInit
	KindIO
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindAcquire:
		return "acquire failed"
	case KindRelease:
		return "release failed"
	case KindTokenRefresh:
		return "token refresh failed"
	case KindValidation:
		return "validation failed"
	case KindConfigParse:
		return "config parse failed"
	case KindTransform:
		return "transform failed"
	case KindRiskControl:
		return "risk control failed"
	case KindUnsupportedModel:
		return "unsupported model"
	case KindInit:
		return "init failed"
	case KindIO:
		return "io error"
	case KindJSON:
		return "json error"
	default:
		return "plugin error"
	}
}

// Error is a typed plugin failure.
type Error struct {
	Kind    Kind
	Plugin  string
	Message string
	Err     error
}

// NewError builds an Error.
func NewError(kind Kind, pluginID, message string, err error) *Error {
	return &Error{Kind: kind, Plugin: pluginID, Message: message, Err: err}
}

// Errorf builds an Error with a formatted message. A %w verb in format is
// recorded as the wrapped cause.
func Errorf(kind Kind, pluginID, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Plugin: pluginID, Message: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

func (e *Error) Error() string {
	prefix := "plugin"
	if e.Plugin != "" {
		prefix = "plugin " + e.Plugin
	}
	switch {
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", prefix, e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, ErrInit)
// works for any init failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Plugin == "" && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrAcquire          = &Error{Kind: KindAcquire}
	ErrRelease          = &Error{Kind: KindRelease}
	ErrTokenRefresh     = &Error{Kind: KindTokenRefresh}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrConfigParse      = &Error{Kind: KindConfigParse}
	ErrTransform        = &Error{Kind: KindTransform}
	ErrRiskControl      = &Error{Kind: KindRiskControl}
	ErrUnsupportedModel = &Error{Kind: KindUnsupportedModel}
	ErrInit             = &Error{Kind: KindInit}
	ErrIO               = &Error{Kind: KindIO}
	ErrJSON             = &Error{Kind: KindJSON}
)

// ErrDuplicatePlugin is returned when registering an id twice.
var ErrDuplicatePlugin = errors.New("plugin already registered")

// ErrPluginNotFound is returned for unknown plugin ids.
var ErrPluginNotFound = errors.New("plugin not found")
