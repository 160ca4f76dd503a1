// Package domain contains identifiers, value types and the error taxonomy
// shared by the server and the client. No transport or lifecycle logic here.
package domain

import (
	"context"
	"errors"
	"fmt"
)

type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeCapabilityMismatch Code = "capability_mismatch"
	CodeInfrastructure     Code = "infrastructure"
	CodeTimeout            Code = "timeout"
	CodeBadRequest         Code = "bad_request"
)

// Error is a tagged failure. Message is what goes on the wire.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func NewError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel *Error values by code and message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

var (
	ErrRoomNotFound        = NewError(CodeNotFound, "Room not found", nil)
	ErrParticipantNotFound = NewError(CodeNotFound, "Participant not found", nil)
	ErrTransportNotFound   = NewError(CodeNotFound, "transport not found", nil)
	ErrProducerNotFound    = NewError(CodeNotFound, "Producer not found", nil)
	ErrProducerClosed      = NewError(CodeNotFound, "Producer is closed", nil)
	ErrCannotConsume       = NewError(CodeCapabilityMismatch, "Cannot consume", nil)
	ErrSelfConsume         = NewError(CodeBadRequest, "Cannot consume own producer", nil)
)

// Infrastructure wraps a media engine failure under a generic wire message.
func Infrastructure(msg string, err error) *Error {
	return NewError(CodeInfrastructure, msg, err)
}

// CodeOf classifies any error. Context deadlines count as timeouts,
// anything unknown as infrastructure.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInfrastructure
}

// MessageOf returns the wire message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// Retryable reports whether a failed request may be attempted again.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeInfrastructure:
		return true
	}
	return false
}
