package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a remote failure
type Kind int

const (
	KindTransient Kind = iota // timeouts, network failures, 5xx
	KindPermanent             // validation rejection, other 4xx
	KindAuth                  // credentials rejected
	KindConflict              // base version no longer current
	KindNotFound              // record never existed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Kind sentinels for errors.Is
var (
	ErrTransient = errors.New("remote: transient failure")
	ErrPermanent = errors.New("remote: permanent rejection")
	ErrAuth      = errors.New("remote: authentication rejected")
	ErrConflict  = errors.New("remote: version conflict")
	ErrNotFound  = errors.New("remote: not found")
)

func (k Kind) sentinel() error {
	switch k {
	case KindPermanent:
		return ErrPermanent
	case KindAuth:
		return ErrAuth
	case KindConflict:
		return ErrConflict
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrTransient
	}
}

// Error is a classified remote failure
type Error struct {
	Kind       Kind
	Op         string
	RecordID   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remote %s %s: %s", e.Op, e.RecordID, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// NewError builds a classified error
func NewError(kind Kind, op, recordID string, err error) *Error {
	return &Error{Kind: kind, Op: op, RecordID: recordID, Err: err}
}

// Error classification functions

// IsTransient reports whether err should be retried. Errors that were never
// classified are treated as transport failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}
	return !errors.Is(err, ErrPermanent) && !errors.Is(err, ErrAuth) &&
		!errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound)
}

// IsPermanent checks if the remote rejected the operation for good
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// IsAuth checks if the remote rejected our credentials
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsConflict checks if the remote reported a version conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound checks if the record does not exist remotely
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
