package registry

import "fmt"

// ValidationError reports a rejected registration field. Nothing has been
// written when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidBundleError reports an archive that is not a usable function bundle.
type InvalidBundleError struct {
	Reason string
}

func (e *InvalidBundleError) Error() string {
	return "invalid bundle: " + e.Reason
}

func badBundle(format string, args ...any) error {
	return &InvalidBundleError{Reason: fmt.Sprintf(format, args...)}
}
