package runtime

import (
	"errors"
	"fmt"
)

// SourceFailureCause classifies why a source stopped producing.
type SourceFailureCause string

const (
	// CauseTransient means the failure is worth retrying with the same
	// item: process crash, stalled output, dropped connection.
	CauseTransient SourceFailureCause = "transient"
	// CausePermanentForItem means the current item cannot play: the
	// timeline advances past it instead of restarting.
	CausePermanentForItem SourceFailureCause = "permanent_for_item"
	// CausePermanentForSource means the backing media is unusable for a
	// while: the item is marked and the timeline advances.
	CausePermanentForSource SourceFailureCause = "permanent_for_source"
)

// SourceError is the classified failure carried out of the streaming path.
type SourceError struct {
	Cause SourceFailureCause
	Err   error
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source failed (%s): %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("source failed (%s)", e.Cause)
}

func (e *SourceError) Unwrap() error { return e.Err }

// CauseOf extracts the failure cause from an error chain, defaulting to
// transient for anything unclassified.
func CauseOf(err error) SourceFailureCause {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Cause
	}
	return CauseTransient
}

func transient(err error) *SourceError {
	return &SourceError{Cause: CauseTransient, Err: err}
}

func permanentForItem(err error) *SourceError {
	return &SourceError{Cause: CausePermanentForItem, Err: err}
}

func permanentForSource(err error) *SourceError {
	return &SourceError{Cause: CausePermanentForSource, Err: err}
}
