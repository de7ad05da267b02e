// Package forgeerr implements the structured error model shared by every
// forgebuild component: a small classification (Kind), an optional source
// location, an optional chain to a wrapped cause, and optional named
// values for debugging context. It plays the role the teacher's plain
// fmt.Errorf("...: %w", err) wrapping plays, generalized so the HTTP
// surface can map a Kind onto a status code without string sniffing.
package forgeerr

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies an Error for callers that need to react to it, such as
// internal/httpapi choosing a status code.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindInvalid     Kind = "invalid"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
	KindInternal    Kind = "internal"
)

// Location identifies where an Error was raised.
type Location struct {
	Symbol string
	File   string
	Line   int
}

func (l Location) String() string {
	if l.Symbol == "" {
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return fmt.Sprintf("%s (%s:%d)", l.Symbol, l.File, l.Line)
}

// Error is forgebuild's structured error type. It satisfies the standard
// error interface and supports errors.Is/As/Unwrap via Unwrap.
type Error struct {
	Kind     Kind
	Message  string
	Location Location
	Values   map[string]string
	cause    error
	stack    errors.StackTrace
}

// New creates an Error of the given kind with no wrapped cause. Its
// Location is the caller of New.
func New(kind Kind, message string) *Error {
	return newError(kind, message, nil, 1)
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return newError(kind, fmt.Sprintf(format, args...), nil, 1)
}

// Wrap attaches message and kind to cause, preserving cause in the error
// chain. Callers must check err != nil before calling Wrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return newError(kind, message, cause, 1)
}

// Wrapf is Wrap with fmt.Sprintf-style formatting.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return newError(kind, fmt.Sprintf(format, args...), cause, 1)
}

func newError(kind Kind, message string, cause error, skip int) *Error {
	e := &Error{
		Kind:    kind,
		Message: message,
		cause:   cause,
	}
	if pc, file, line, ok := runtime.Caller(skip + 1); ok {
		e.Location = Location{Symbol: symbolName(pc), File: file, Line: line}
	}
	if st, ok := stackTrace(cause); ok {
		e.stack = st
	} else {
		e.stack = errors.New("").(stackTracer).StackTrace()[1:]
	}
	return e
}

func symbolName(pc uintptr) string {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return ""
	}
	name := fn.Name()
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func stackTrace(err error) (errors.StackTrace, bool) {
	var st stackTracer
	if errors.As(err, &st) {
		return st.StackTrace(), true
	}
	return nil, false
}

// WithValue attaches a named debugging value and returns e for chaining.
func (e *Error) WithValue(key, value string) *Error {
	if e.Values == nil {
		e.Values = make(map[string]string)
	}
	e.Values[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap exposes the wrapped cause to errors.Is/As/Unwrap.
func (e *Error) Unwrap() error { return e.cause }

// StackTrace returns the captured stack, leaf frame first.
func (e *Error) StackTrace() errors.StackTrace { return e.stack }

// Trace renders the full cause chain, one Location per line, leaf first.
func (e *Error) Trace() string {
	var lines []string
	var walk func(err error)
	walk = func(err error) {
		var fe *Error
		if errors.As(err, &fe) {
			lines = append(lines, fmt.Sprintf("%s: %s", fe.Location, fe.Message))
			if fe.cause != nil {
				walk(fe.cause)
			}
			return
		}
		if err != nil {
			lines = append(lines, err.Error())
		}
	}
	walk(e)
	// walk visits the outermost error first; reverse so the leaf prints first.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

// KindOf extracts the Kind of err by walking its cause chain, defaulting
// to KindInternal when err carries no forgeerr.Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if err == nil {
		return ""
	}
	return KindInternal
}

// Is reports whether err's Kind (via KindOf) equals kind. It lets callers
// write `forgeerr.Is(err, forgeerr.KindNotFound)` without importing
// errors.As themselves.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
