// Copyright 2025 Portage Contributors
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

package model

import (
	"errors"
	"fmt"
)

// Kind classifies an error for policy purposes: whether to retry, which
// HTTP status to map to, and how loudly to log. Components return kinds,
// not status codes; only the API layer translates.
type Kind string

const (
	// KindValidation: malformed or semantically invalid input. Never retried.
	KindValidation Kind = "validation"
	// KindAuth: missing or wrong credentials, or tenant disabled.
	KindAuth Kind = "auth"
	// KindNotFound: the referenced entity does not exist (or is soft-deleted).
	KindNotFound Kind = "not_found"
	// KindConflict: an optimistic write lost the race. Retried in-layer up
	// to the store's retry budget before being surfaced as retriable.
	KindConflict Kind = "conflict"
	// KindRetriable: transient failure; the caller may back off and retry.
	KindRetriable Kind = "retriable"
	// KindFatal: a programming error such as an illegal state transition.
	// Fails the request, never auto-recovered.
	KindFatal Kind = "fatal"
)

// Error carries a kind, the operation that failed, and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. Op names the failing operation ("store.update_if",
// "dispatch.enqueue"), msg is human context, err the wrapped cause.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain. Unclassified
// errors are fatal: an unlabeled failure is a bug by definition.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
