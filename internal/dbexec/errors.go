package dbexec

import "errors"

// Sentinel errors for the §7 taxonomy. Callers classify with errors.Is
// instead of matching message substrings — the DESIGN NOTES flag on the
// original's substring-matched transient errors applies here too: typed
// errors at the boundary, not string greps.
var (
	ErrMalformedJSON    = errors.New("malformed-json")
	ErrMalformedShape   = errors.New("malformed-shape")
	ErrPolicyDenied     = errors.New("policy-denied")
	ErrUnsupportedShape = errors.New("unsupported-shape")
	ErrUnsupportedOp    = errors.New("unsupported-op")
	ErrDBError          = errors.New("db-error")
)

// IsPermanent reports whether err is one of the §7 kinds that must always
// be rejected without requeue (malformed-json, malformed-shape,
// policy-denied, unsupported-op/-shape) as opposed to db-error, which
// follows the configured requeue-on-failure policy instead.
func IsPermanent(err error) bool {
	switch {
	case errors.Is(err, ErrMalformedJSON),
		errors.Is(err, ErrMalformedShape),
		errors.Is(err, ErrPolicyDenied),
		errors.Is(err, ErrUnsupportedShape),
		errors.Is(err, ErrUnsupportedOp):
		return true
	default:
		return false
	}
}
