// Package faults defines the error taxonomy shared by the placement control plane.
//
// Every error that crosses a component boundary carries one Kind. Callers use
// errors.Is against the kind sentinels to pick a policy:
//
//	ErrTooManyRequests, ErrServiceUnavailable -> back off and retry
//	ErrForbidden                              -> do not retry
//	ErrMalformedData                          -> alert an operator
//	ErrTransportFailure                       -> retried by background cycles
//	ErrNotFound                               -> usually recovered locally as a default
//
// Kinds are never coalesced: a Forbidden error never matches ErrServiceUnavailable.
package faults

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is an error that was not produced by this module.
	KindUnknown Kind = iota
	// KindNotFound is a missing optional document.
	KindNotFound
	// KindForbidden is an authorization denial.
	KindForbidden
	// KindTooManyRequests is an exhausted admission gate.
	KindTooManyRequests
	// KindServiceUnavailable means no live or eligible broker exists.
	KindServiceUnavailable
	// KindTransportFailure is an I/O error talking to the coordination service.
	KindTransportFailure
	// KindMalformedData is a document that could not be decoded.
	KindMalformedData
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindTooManyRequests:
		return "too_many_requests"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindTransportFailure:
		return "transport_failure"
	case KindMalformedData:
		return "malformed_data"
	default:
		return "unknown"
	}
}

// Kind sentinels. Wrapped errors match these through errors.Is.
var (
	ErrNotFound           = &sentinel{kind: KindNotFound, msg: "not found"}
	ErrForbidden          = &sentinel{kind: KindForbidden, msg: "forbidden"}
	ErrTooManyRequests    = &sentinel{kind: KindTooManyRequests, msg: "too many requests"}
	ErrServiceUnavailable = &sentinel{kind: KindServiceUnavailable, msg: "service unavailable"}
	ErrTransportFailure   = &sentinel{kind: KindTransportFailure, msg: "transport failure"}
	ErrMalformedData      = &sentinel{kind: KindMalformedData, msg: "malformed data"}
)

type sentinel struct {
	kind Kind
	msg  string
}

func (s *sentinel) Error() string { return "faults: " + s.msg }

func sentinelFor(k Kind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindForbidden:
		return ErrForbidden
	case KindTooManyRequests:
		return ErrTooManyRequests
	case KindServiceUnavailable:
		return ErrServiceUnavailable
	case KindTransportFailure:
		return ErrTransportFailure
	case KindMalformedData:
		return ErrMalformedData
	default:
		return nil
	}
}

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string // e.g. "partition-metadata", "authorize"
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == sentinelFor(e.Kind)
}

// New returns a classified error without a cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Forbidden returns a KindForbidden error.
func Forbidden(op, msg string) error { return New(KindForbidden, op, msg) }

// NotFound returns a KindNotFound error.
func NotFound(op, msg string) error { return New(KindNotFound, op, msg) }

// Unavailable returns a KindServiceUnavailable error.
func Unavailable(op, msg string) error { return New(KindServiceUnavailable, op, msg) }

// Malformed wraps a decode failure.
func Malformed(op string, err error) error { return Wrap(KindMalformedData, op, err) }

// Transport wraps a coordination-service I/O failure. Context cancellation is
// returned unchanged so callers can still tell a timeout at their own boundary
// from a store outage.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return Wrap(KindTransportFailure, op, err)
}

// KindOf returns the kind of err, inspecting the whole wrap chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind
	}
	return KindUnknown
}

// Retryable reports whether a caller should back off and retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTooManyRequests, KindServiceUnavailable, KindTransportFailure:
		return true
	default:
		return false
	}
}

// IsTransientRPC reports whether a gRPC error from the coordination-service
// client looks like a connectivity problem rather than a request problem.
func IsTransientRPC(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// GRPCCode maps err to the gRPC status code a lookup front-end should return.
func GRPCCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return codes.DeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return codes.Canceled
	}
	switch KindOf(err) {
	case KindNotFound:
		return codes.NotFound
	case KindForbidden:
		return codes.PermissionDenied
	case KindTooManyRequests:
		return codes.ResourceExhausted
	case KindServiceUnavailable, KindTransportFailure:
		return codes.Unavailable
	case KindMalformedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// GRPCStatus converts err into a gRPC status error.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(GRPCCode(err), err.Error())
}
