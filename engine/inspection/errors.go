package inspection

import "fmt"

// RejectedError is returned by SetInspectionMatrix when a candidate
// matrix fails structural validation. The swap is aborted and the
// previously active matrix remains in force; the caller is responsible
// for deciding what to do with a rejected candidate.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return fmt.Sprintf("matrix rejected: %s", e.Reason) }

func rejectf(format string, args ...any) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}
