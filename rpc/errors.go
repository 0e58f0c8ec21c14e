// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"fmt"

	"github.com/juju/errors"
)

// Code classifies a storage-agent call failure. The set is closed:
// callers switch on the code, never on message text.
type Code string

const (
	CodeNotFound         Code = "not found"
	CodeAlreadyExists    Code = "already exists"
	CodeInternal         Code = "internal"
	CodeUnavailable      Code = "unavailable"
	CodeCancelled        Code = "cancelled"
	CodeDeadlineExceeded Code = "deadline exceeded"

	// CodeNodeOffline is never produced by a remote agent. It is
	// synthesized locally when a call is attempted against a node
	// whose sync state machine has declared it unreachable.
	CodeNodeOffline Code = "node offline"
)

// Error is the failure type crossing the rpc boundary.
type Error struct {
	Code    Code
	Message string
}

// Error implements error.
func (e *Error) Error() string {
	return e.Message
}

// Errorf returns an *Error with the given code and formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrCode extracts the failure code from err, looking through any
// annotation wrapping applied on the way up. Errors that did not
// originate at the rpc boundary report CodeInternal.
func ErrCode(err error) Code {
	if err == nil {
		return ""
	}
	if rpcErr, ok := errors.Cause(err).(*Error); ok {
		return rpcErr.Code
	}
	return CodeInternal
}

func isCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	rpcErr, ok := errors.Cause(err).(*Error)
	return ok && rpcErr.Code == code
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return isCode(err, CodeNotFound) }

// IsAlreadyExists reports whether err carries CodeAlreadyExists.
func IsAlreadyExists(err error) bool { return isCode(err, CodeAlreadyExists) }

// IsUnavailable reports whether err carries CodeUnavailable.
func IsUnavailable(err error) bool { return isCode(err, CodeUnavailable) }

// IsCancelled reports whether err carries CodeCancelled.
func IsCancelled(err error) bool { return isCode(err, CodeCancelled) }

// IsDeadlineExceeded reports whether err carries CodeDeadlineExceeded.
func IsDeadlineExceeded(err error) bool { return isCode(err, CodeDeadlineExceeded) }

// IsNodeOffline reports whether err carries CodeNodeOffline.
func IsNodeOffline(err error) bool { return isCode(err, CodeNodeOffline) }
