package protocol

const (
	// Upload / module faults.
	ErrInvalidModule     = "E_INVALID_MODULE"
	ErrValidationTimeout = "E_VALIDATION_TIMEOUT"
	ErrTrap              = "E_TRAP"
	ErrResourceExceeded  = "E_RESOURCE_EXCEEDED"

	// Lifecycle.
	ErrInvalidTransition = "E_INVALID_TRANSITION"
	ErrNotFound          = "E_NOT_FOUND"

	// Access control.
	ErrUnauthenticated = "E_UNAUTHENTICATED"
	ErrForbidden       = "E_FORBIDDEN"

	ErrBadRequest = "E_BAD_REQUEST"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrInvalidModule:     {},
	ErrValidationTimeout: {},
	ErrTrap:              {},
	ErrResourceExceeded:  {},
	ErrInvalidTransition: {},
	ErrNotFound:          {},
	ErrUnauthenticated:   {},
	ErrForbidden:         {},
	ErrBadRequest:        {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
