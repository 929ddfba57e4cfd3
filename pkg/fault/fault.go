package fault

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("survey not found")
	ErrExpired          = errors.New("survey expired")
	ErrAlreadySubmitted = errors.New("survey already submitted")
	ErrValidation       = errors.New("validation failed")

	ErrDuplicateToken = errors.New("duplicate token")
	ErrStoreBusy      = errors.New("store busy")
	ErrStoreIO        = errors.New("store io failure")

	ErrDeliveryTransient = errors.New("transient delivery failure")
	ErrDeliveryPermanent = errors.New("permanent delivery failure")
)

type ErrorType int

const (
	ErrClient ErrorType = iota
	ErrInternal
)

type Fault struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Fault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.typeString(), e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.typeString(), e.Message)
}

// Unwrap allows errors.Is and errors.As to work.
func (e *Fault) Unwrap() error {
	return e.Err
}

// typeString returns a human-readable representation of the error type.
func (e *Fault) typeString() string {
	switch e.Type {
	case ErrClient:
		return "ClientError"
	case ErrInternal:
		return "InternalError"
	default:
		return "UnknownError"
	}
}

// NewClientError creates a new client error.
func NewClientError(msg string, err error) error {
	return &Fault{
		Type:    ErrClient,
		Message: msg,
		Err:     err,
	}
}

// NewInternalError creates a new internal server error.
func NewInternalError(msg string, err error) error {
	return &Fault{
		Type:    ErrInternal,
		Message: msg,
		Err:     err,
	}
}

// Validation wraps ErrValidation with a caller-facing message.
func Validation(msg string) error {
	return NewClientError(msg, ErrValidation)
}

// StoreIO wraps an underlying filesystem error as ErrStoreIO.
func StoreIO(msg string, err error) error {
	return NewInternalError(msg, errors.Join(ErrStoreIO, err))
}

// Transient marks a delivery error as retryable.
func Transient(msg string, err error) error {
	if err == nil {
		return NewInternalError(msg, ErrDeliveryTransient)
	}
	return NewInternalError(msg, errors.Join(ErrDeliveryTransient, err))
}

// Permanent marks a delivery error as not retryable.
func Permanent(msg string, err error) error {
	if err == nil {
		return NewInternalError(msg, ErrDeliveryPermanent)
	}
	return NewInternalError(msg, errors.Join(ErrDeliveryPermanent, err))
}

// IsClientError checks if an error is a client error.
func IsClientError(err error) bool {
	var ce *Fault
	if errors.As(err, &ce) {
		return ce.Type == ErrClient
	}
	return false
}

// IsInternalError checks if an error is an internal error.
func IsInternalError(err error) bool {
	var ce *Fault
	if errors.As(err, &ce) {
		return ce.Type == ErrInternal
	}
	return false
}

// IsRetryable reports whether err is worth retrying by the caller that got it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreBusy) ||
		errors.Is(err, ErrStoreIO) ||
		errors.Is(err, ErrDeliveryTransient)
}

// Message returns the outermost Fault message, or err.Error() for plain errors.
func Message(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Message
	}
	return err.Error()
}
