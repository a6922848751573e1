// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package databag

import (
	"errors"
	"fmt"
)

// ErrorCode is the error code for data plane errors.
type ErrorCode int

const (
	NodeExists = ErrorCode(iota)
	NoNode
	BadVersion
	Timeout
	Interrupted
	BadInput
)

func (c ErrorCode) String() string {
	switch c {
	case NodeExists:
		return "node already exists"
	case NoNode:
		return "node doesn't exist"
	case BadVersion:
		return "bad node version"
	case Timeout:
		return "deadline exceeded"
	case Interrupted:
		return "interrupted"
	case BadInput:
		return "bad input"
	default:
		return "unknown code"
	}
}

// Error is a data plane error.
type Error struct {
	Code    ErrorCode
	Message string
}

// NewError creates a new data plane error about node.
func NewError(code ErrorCode, node string) error {
	return &Error{Code: code, Message: code.String() + ": " + node}
}

func (e *Error) Error() string {
	return fmt.Sprintf("databag error [%d]: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// IsErrType reports whether err carries the given code.
func IsErrType(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
