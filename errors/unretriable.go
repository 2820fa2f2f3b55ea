package errors

import (
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// unretriableError wraps an error to mark it as non-retriable. The queue layer
// stops re-dispatching an entry as soon as its handler returns one of these.
type unretriableError struct {
	err error
}

func (e unretriableError) Error() string {
	return e.err.Error()
}

func (e unretriableError) Unwrap() error {
	return e.err
}

// Unretriable returns an error that will not be retried by the queue nor by
// backoff.Retry loops (it also satisfies backoff.PermanentError unwrapping).
func Unretriable(err error) error {
	return unretriableError{backoff.Permanent(err)}
}

// IsUnretriable reports whether any error in err's chain is unretriable.
func IsUnretriable(err error) bool {
	var ue unretriableError
	return errors.As(err, &ue)
}
