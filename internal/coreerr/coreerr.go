// Package coreerr defines the closed error taxonomy shared by every core
// component. All failures that cross a component boundary are represented as
// *Error so callers can switch on Code instead of matching strings.
package coreerr

import "fmt"

// Code is one member of the closed taxonomy enum.
type Code string

const (
	// Resolution
	ItemNotFound    Code = "ItemNotFound"
	SchemaNotFound  Code = "SchemaNotFound"
	AmbiguousSuffix Code = "AmbiguousSuffix"

	// Integrity
	Unsigned  Code = "Unsigned"
	Untrusted Code = "Untrusted"
	Tampered  Code = "Tampered"

	// Chain construction
	ChainTooDeep      Code = "ChainTooDeep"
	CircularDependency Code = "CircularDependency"
	ExecutorNotFound  Code = "ExecutorNotFound"
	VersionMismatch   Code = "VersionMismatch"
	SpaceViolation    Code = "SpaceViolation"
	IOIncompatibility Code = "IOIncompatibility"

	// Execution
	PrimitiveFailure       Code = "PrimitiveFailure"
	Timeout                Code = "Timeout"
	PermissionDenied       Code = "PermissionDenied"
	BudgetExceeded         Code = "BudgetExceeded"
	ChildBudgetInsufficient Code = "ChildBudgetInsufficient"
	SpawnDepthExceeded     Code = "SpawnDepthExceeded"
	SpawnCountExceeded     Code = "SpawnCountExceeded"
	TemplateError          Code = "TemplateError"

	// Coordination
	ThreadNotFound           Code = "ThreadNotFound"
	WaitTimeout              Code = "WaitTimeout"
	Cancelled                Code = "Cancelled"
	SuspendedAwaitingApproval Code = "SuspendedAwaitingApproval"

	// System
	FileSystem Code = "FileSystem"
	Parsing    Code = "Parsing"
	Config     Code = "Config"
	Unknown    Code = "Unknown"
)

// Error is the single error type for every taxonomy code. It implements the
// standard error interface and is always produced through one of the
// constructors below so Code is never left empty.
type Error struct {
	Code       Code
	Message    string
	Details    any
	Retryable  bool
	Suggestion string

	// wrapped is the underlying cause, if any, surfaced via Unwrap.
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that carries an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, wrapped: cause}
}

// WithDetails attaches structured details (e.g. the offending chain, the
// missing capability) and returns the receiver for chaining.
func (e *Error) WithDetails(d any) *Error {
	e.Details = d
	return e
}

// WithRetryable marks whether the caller may retry the operation unchanged.
func (e *Error) WithRetryable(r bool) *Error {
	e.Retryable = r
	return e
}

// WithSuggestion attaches a user-facing remediation hint.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// CodeOf extracts the taxonomy code from err, returning Unknown if err is not
// (or does not wrap) a *Error. This is the only sanctioned way to branch on
// error kind — never match on Error() strings.
func CodeOf(err error) Code {
	var e *Error
	if asError(err, &e) {
		return e.Code
	}
	return Unknown
}

// asError is a tiny errors.As shim kept local to avoid importing errors in
// every call site that only needs CodeOf.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
