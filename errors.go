package queue

import (
	"github.com/pkg/errors"
)

var (
	// ErrEmpty is returned by Driver.Lease when no job is eligible. It is not a failure.
	ErrEmpty = errors.New("no job eligible for leasing")
	// ErrStoreUnavailable wraps every I/O failure of the underlying storage.
	ErrStoreUnavailable = errors.New("job store unavailable")
	// ErrLeaseLost is returned when a worker tries to complete or fail a job whose
	// lease it no longer holds, usually because the lease expired and the job was
	// reclaimed.
	ErrLeaseLost = errors.New("lease lost")
	// ErrNotFound means the job id is unknown to the store, or has been purged by retention.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned by Driver.Push when the id is already taken.
	ErrDuplicateJob = errors.New("duplicate job id")
	// ErrNoHandler marks jobs whose type has no subscribed Handler. They are not retried.
	ErrNoHandler = errors.New("no handler subscribed for job type")
	// ErrInvalidPriority is returned by Queue.Dispatch when the priority is out of range.
	ErrInvalidPriority = errors.New("priority out of range")
	// ErrUnknownChannel is returned by Reload and Flush for unsupported channel names.
	ErrUnknownChannel = errors.New("unknown channel")
)

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }

func (p permanentError) Unwrap() error { return p.err }

// Permanent marks a handler error as not worth retrying. The job goes straight
// to the failed state regardless of the attempts left.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

func unavailable(err error, format string, args ...interface{}) error {
	return errors.Wrapf(ErrStoreUnavailable, format+": %s", append(args, err)...)
}
