package megaproxy

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingReference is returned when a request carries no share reference.
	ErrMissingReference = errors.New("missing url parameter")

	// ErrResolution is returned when the remote object cannot be resolved:
	// lookup, authentication or network failure, or an unknown size.
	ErrResolution = errors.New("resolution failed")

	// ErrSizeExceeded is returned when an object is larger than MaxSize.
	ErrSizeExceeded = errors.New("size exceeded")

	// ErrStreamFailure is returned when a transfer breaks after the response
	// headers were committed.
	ErrStreamFailure = errors.New("stream failure")

	// ErrCacheUnavailable marks cache store failures. It never reaches clients.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrNotReady is returned while a collaborator has not finished starting.
	ErrNotReady = errors.New("not ready")
)

// ResolutionError wraps a resolver failure for a specific reference.
type ResolutionError struct {
	Ref ShareReference
	Err error
}

// NewResolutionError wraps err as a resolution failure for ref.
func NewResolutionError(ref ShareReference, err error) *ResolutionError {
	return &ResolutionError{Ref: ref, Err: err}
}

func (e *ResolutionError) Error() string {
	switch {
	case e.Err == nil:
		return ErrResolution.Error()
	case errors.Is(e.Err, ErrResolution):
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", ErrResolution, e.Err)
}

// Unwrap allows errors.Is to match both ErrResolution and the cause.
func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrResolution}
	}
	return []error{ErrResolution, e.Err}
}

// SizeExceededError reports an object larger than MaxSize.
type SizeExceededError struct {
	Size uint64
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("%s: %d bytes exceeds limit of %d bytes", ErrSizeExceeded, e.Size, MaxSize)
}

func (e *SizeExceededError) Unwrap() error {
	return ErrSizeExceeded
}

// CheckSize validates a resolved size: zero is a resolution failure, anything
// over MaxSize is a SizeExceededError.
func CheckSize(ref ShareReference, meta ObjectMetadata) error {
	if meta.Size == 0 {
		return NewResolutionError(ref, errors.New("remote object size is unknown"))
	}
	if !Permits(meta.Size) {
		return &SizeExceededError{Size: meta.Size}
	}
	return nil
}
