// Package voiceerr defines the error kinds surfaced by voice sessions and calls.
package voiceerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a session- or call-scoped failure.
type Kind int

const (
	Unknown Kind = iota
	CaptureUnavailable
	TransportClosed
	EmptyUtterance
	CollaboratorFailure
	SignatureValidationFailure
	MalformedControlFrame
)

var kindNames = map[Kind]string{
	Unknown:                    "unknown",
	CaptureUnavailable:         "capture_unavailable",
	TransportClosed:            "transport_closed",
	EmptyUtterance:             "empty_utterance",
	CollaboratorFailure:        "collaborator_failure",
	SignatureValidationFailure: "signature_validation_failure",
	MalformedControlFrame:      "malformed_control_frame",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[Unknown]
}

// HTTPStatus maps a kind to the status returned by HTTP-facing handlers.
func (k Kind) HTTPStatus() int {
	switch k {
	case SignatureValidationFailure:
		return http.StatusForbidden
	case MalformedControlFrame, EmptyUtterance:
		return http.StatusBadRequest
	case CaptureUnavailable, TransportClosed:
		return http.StatusServiceUnavailable
	case CollaboratorFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, voiceerr.E(kind, "", nil)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels for errors.Is comparisons.
var (
	ErrCaptureUnavailable         = &Error{Kind: CaptureUnavailable}
	ErrTransportClosed            = &Error{Kind: TransportClosed}
	ErrEmptyUtterance             = &Error{Kind: EmptyUtterance}
	ErrCollaboratorFailure        = &Error{Kind: CollaboratorFailure}
	ErrSignatureValidationFailure = &Error{Kind: SignatureValidationFailure}
	ErrMalformedControlFrame      = &Error{Kind: MalformedControlFrame}
)

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
