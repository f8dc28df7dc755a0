package sdk

import "fmt"

// Kind is the category of an SDK failure.
type Kind string

// SDK error kinds.
const (
	KindDatabase         Kind = "database_error"
	KindHTTP             Kind = "http_error"
	KindCrypto           Kind = "crypto_error"
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindInvalidArgument  Kind = "invalid_argument"
	KindInternal         Kind = "internal_error"
)

// Error is returned by every Context method.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrDatabase         = &Error{Kind: KindDatabase}
	ErrHTTP             = &Error{Kind: KindHTTP}
	ErrCrypto           = &Error{Kind: KindCrypto}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrInternal         = &Error{Kind: KindInternal}
)

func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
