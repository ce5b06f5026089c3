/*
 * @module service/trainerr/errors
 * @description Error taxonomy for the training job: every failure carries a Kind that maps to a process exit code
 * @architecture Shared error model - used by every layer, no recovery happens below main
 * @stateFlow failure -> wrap with Kind and operation -> propagate -> exit code
 * @rules One Kind per failure class; wrapping keeps the innermost Kind
 * @dependencies errors, fmt
 * @refs main.go, service/training
 */

package trainerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure
type Kind string

const (
	KindFile         Kind = "file"         // missing or unreadable input
	KindParse        Kind = "parse"        // malformed YAML, CSV or non-numeric data
	KindLookup       Kind = "lookup"       // missing config key or column
	KindShape        Kind = "shape"        // mismatched lengths or feature sets
	KindConnectivity Kind = "connectivity" // tracking server, broker or gateway failure
)

// Exit codes returned by the CLI for each Kind. 2 is left to the Go runtime
// (unrecovered panic) and to flag parse errors.
const (
	ExitOK           = 0
	ExitUnknown      = 1
	ExitFile         = 3
	ExitParse        = 4
	ExitLookup       = 5
	ExitShape        = 6
	ExitConnectivity = 7
)

// Error is a classified failure
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func File(op string, err error) error         { return New(KindFile, op, err) }
func Parse(op string, err error) error        { return New(KindParse, op, err) }
func Lookup(op string, err error) error       { return New(KindLookup, op, err) }
func Shape(op string, err error) error        { return New(KindShape, op, err) }
func Connectivity(op string, err error) error { return New(KindConnectivity, op, err) }

// KindOf returns the kind of the innermost classified error in the chain, or "" if none.
func KindOf(err error) Kind {
	var kind Kind
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		kind = e.Kind
		err = e.Err
	}
	return kind
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindFile:
		return ExitFile
	case KindParse:
		return ExitParse
	case KindLookup:
		return ExitLookup
	case KindShape:
		return ExitShape
	case KindConnectivity:
		return ExitConnectivity
	default:
		return ExitUnknown
	}
}
