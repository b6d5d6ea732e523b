package worker

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"syscall"

	"github.com/cuemby/beedrive/pkg/pipeline"
)

// ErrStorage marks failures of the file backing a transfer
var ErrStorage = errors.New("storage failure")

// Kind is the category a worker failure is reported under
type Kind string

const (
	KindRefused   Kind = "refused"
	KindReset     Kind = "reset"
	KindAborted   Kind = "aborted"
	KindIntegrity Kind = "integrity"
	KindStorage   Kind = "storage"
	KindUserAbort Kind = "user_abort"
	KindUnknown   Kind = "unknown"
)

var severities = map[Kind]int{
	KindUnknown:   0,
	KindRefused:   1,
	KindAborted:   1,
	KindReset:     2,
	KindIntegrity: 3,
	KindStorage:   4,
	KindUserAbort: 5,
}

// Severity returns the severity code logged for the kind
func (k Kind) Severity() int {
	return severities[k]
}

// Describe returns the operator-facing summary of the kind
func (k Kind) Describe() string {
	switch k {
	case KindRefused:
		return "Connection refused by host"
	case KindReset:
		return "Connection is broken"
	case KindAborted:
		return "Connection aborted"
	case KindIntegrity:
		return "Message has been modified"
	case KindStorage:
		return "Operating file failed"
	case KindUserAbort:
		return "Connection stopped by commander"
	default:
		return "Unknown failure reason"
	}
}

// TaskError is a worker failure translated into the fixed taxonomy
type TaskError struct {
	Kind     Kind
	Severity int
	Err      error
}

func (e *TaskError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Classify translates a low-level failure into a TaskError. It returns nil
// for a nil error and passes an existing TaskError through unchanged.
func Classify(err error) *TaskError {
	if err == nil {
		return nil
	}

	var te *TaskError
	if errors.As(err, &te) {
		return te
	}

	kind := classify(err)
	return &TaskError{Kind: kind, Severity: kind.Severity(), Err: err}
}

func classify(err error) Kind {
	var pathErr *fs.PathError

	switch {
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		return KindUserAbort
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindReset
	case errors.Is(err, syscall.ECONNABORTED), errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded):
		return KindAborted
	case errors.Is(err, pipeline.ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrStorage), errors.As(err, &pathErr):
		return KindStorage
	}
	return KindUnknown
}
