package services

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is; use errors.As with *Error to get
// the reason and subject.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrTransactionFailed   = errors.New("transaction failed")
	ErrSignatureInvalid    = errors.New("signature invalid")
)

type Reason string

const (
	ReasonEmptyCart          Reason = "empty_cart"
	ReasonProductUnavailable Reason = "product_unavailable"
	ReasonInsufficientStock  Reason = "insufficient_stock"
	ReasonInvalidTransition  Reason = "invalid_transition"
	ReasonNotCancellable     Reason = "not_cancellable"
	ReasonAlreadyPaid        Reason = "already_paid"
	ReasonOrderCancelled     Reason = "order_cancelled"
	ReasonMalformedEvent     Reason = "malformed_event"
	ReasonInvalidQuantity    Reason = "invalid_quantity"
)

type Error struct {
	Kind    error
	Reason  Reason
	Subject string
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap exposes the underlying cause for logging. Callers outside the
// service should only report Message.
func (e *Error) Unwrap() error {
	return e.cause
}

func notFound(subject, message string) *Error {
	return &Error{Kind: ErrNotFound, Subject: subject, Message: message}
}

func invalidState(reason Reason, subject, message string) *Error {
	return &Error{Kind: ErrInvalidState, Reason: reason, Subject: subject, Message: message}
}

func denied(message string) *Error {
	return &Error{Kind: ErrAuthorizationDenied, Message: message}
}

func transactionFailed(message string, cause error) *Error {
	return &Error{Kind: ErrTransactionFailed, Message: message, cause: cause}
}

func signatureInvalid(cause error) *Error {
	return &Error{
		Kind:    ErrSignatureInvalid,
		Message: fmt.Sprintf("Webhook signature verification failed: %v", cause),
		cause:   cause,
	}
}

// serviceError pulls a *Error back out of a transaction result so that
// domain failures raised inside WithinTx keep their kind.
func serviceError(err error) (*Error, bool) {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}
