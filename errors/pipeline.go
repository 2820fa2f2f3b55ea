package errors

import (
	"errors"
	"fmt"
)

// ObjectStoreOp identifies which object-store operation failed.
type ObjectStoreOp string

const (
	OpAuth     ObjectStoreOp = "auth"
	OpDownload ObjectStoreOp = "download"
	OpUpload   ObjectStoreOp = "upload"
	OpList     ObjectStoreOp = "list"
	OpDelete   ObjectStoreOp = "delete"
)

// ObjectStoreError classifies failures talking to the object store. Network
// errors, 5xx and expired-auth responses are retriable; other 4xx are not.
type ObjectStoreError struct {
	Op        ObjectStoreOp
	Retriable bool
	Err       error
}

func (e *ObjectStoreError) Error() string {
	return fmt.Sprintf("object store %s failed: %s", e.Op, e.Err)
}

func (e *ObjectStoreError) Unwrap() error { return e.Err }

func NewObjectStoreError(op ObjectStoreOp, retriable bool, err error) error {
	osErr := &ObjectStoreError{Op: op, Retriable: retriable, Err: err}
	if !retriable {
		return Unretriable(osErr)
	}
	return osErr
}

// EncoderError wraps a failure of the external media encoder for a single
// rendition. It is retriable at the queue level; the checkpoint makes sure
// already-finished renditions are not encoded again.
type EncoderError struct {
	Resolution string
	Err        error
}

func (e *EncoderError) Error() string {
	if e.Resolution == "" {
		return fmt.Sprintf("encoder failed: %s", e.Err)
	}
	return fmt.Sprintf("encoder failed for %s: %s", e.Resolution, e.Err)
}

func (e *EncoderError) Unwrap() error { return e.Err }

// CallbackError indicates the completion callback could not be delivered. The
// job is marked failed but the uploaded bundle is retained.
type CallbackError struct {
	URL string
	Err error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback to %s failed: %s", e.URL, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// ValidationError is surfaced straight to the caller and never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...any) error {
	return Unretriable(&ValidationError{Msg: fmt.Sprintf(format, args...)})
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
