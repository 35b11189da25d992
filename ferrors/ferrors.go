// Package ferrors implements the stable error taxonomy used throughout this
// module: JWT verification, token exchange, and the session middleware all
// return *Error values carrying one of the Code constants below instead of
// ad-hoc error strings, so callers (and the middleware's state machine) can
// switch on what actually happened rather than parsing messages.
package ferrors

import (
	"bytes"
	"fmt"
	"net/http"
	"reflect"
	"runtime"
)

// MaxStackDepth bounds how many stack frames are captured per error.
var MaxStackDepth = 32

// Code is a stable, wire-safe identifier for a failure mode. Unlike gRPC
// status codes these map one-to-one onto the taxonomy in spec §7 and are
// safe to serialize directly in a JSON error body.
type Code string

const (
	CodeUserNotFound        Code = "USER_NOT_FOUND"
	CodeUserDisabled        Code = "USER_DISABLED"
	CodeInvalidCredential   Code = "INVALID_CREDENTIAL"
	CodeTokenExpired        Code = "TOKEN_EXPIRED"
	CodeTokenRevoked        Code = "TOKEN_REVOKED"
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeNoKidInHeader       Code = "NO_KID_IN_HEADER"
	CodeNoMatchingKid       Code = "NO_MATCHING_KID"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeNetworkError        Code = "NETWORK_ERROR"
	CodeInternalError       Code = "INTERNAL_ERROR"
	CodeCryptoKeyInvalid    Code = "CRYPTO_KEY_INVALID"
	CodeSignFailed          Code = "SIGN_FAILED"
	CodeJWKSFetchFailed     Code = "JWKS_FETCH_FAILED"
)

// httpStatus is the default HTTP status code associated with each taxonomy
// code, used unless an Error has an explicit override set.
var httpStatus = map[Code]int{
	CodeUserNotFound:      http.StatusUnauthorized,
	CodeUserDisabled:      http.StatusUnauthorized,
	CodeInvalidCredential: http.StatusUnauthorized,
	CodeTokenExpired:      http.StatusUnauthorized,
	CodeTokenRevoked:      http.StatusUnauthorized,
	CodeInvalidSignature:  http.StatusUnauthorized,
	CodeNoKidInHeader:     http.StatusUnauthorized,
	CodeNoMatchingKid:     http.StatusUnauthorized,
	CodeInvalidArgument:   http.StatusBadRequest,
	CodeNetworkError:      http.StatusBadGateway,
	CodeInternalError:     http.StatusInternalServerError,
	CodeCryptoKeyInvalid:  http.StatusInternalServerError,
	CodeSignFailed:        http.StatusInternalServerError,
	CodeJWKSFetchFailed:   http.StatusBadGateway,
}

// Error is an error with an attached stack trace, taxonomy code, and an
// optional public-facing message distinct from the internal error text.
type Error struct {
	Err    error
	stack  []uintptr
	frames []string
	prefix string

	code           Code
	httpStatusCode int
	publicMessage  string
}

// New wraps e (which may be an error or any value accepted by fmt.Errorf)
// under the given taxonomy code. The stack trace points at New's caller.
func New(e interface{}, code Code) *Error {
	var err error
	switch e := e.(type) {
	case error:
		err = e
	default:
		err = fmt.Errorf("%v", e)
	}

	stack := make([]uintptr, MaxStackDepth)
	length := runtime.Callers(2, stack[:])
	return &Error{Err: err, stack: stack[:length], code: code}
}

// Errorf is a drop-in replacement for fmt.Errorf that tags the result with
// CodeInternalError; use WithCode to override.
func Errorf(format string, a ...interface{}) *Error {
	return Wrap(fmt.Errorf(format, a...), 1).WithCode(CodeInternalError)
}

// Wrap makes an *Error from e, preserving an existing *Error's code and
// message instead of overwriting them. skip indicates how many additional
// frames of stack to skip, 0 being Wrap's direct caller.
func Wrap(e interface{}, skip int) *Error {
	if e == nil {
		return nil
	}

	switch e := e.(type) {
	case *Error:
		return e
	case error:
		stack := make([]uintptr, MaxStackDepth)
		length := runtime.Callers(2+skip, stack[:])
		return &Error{Err: e, stack: stack[:length], code: CodeInternalError}
	default:
		stack := make([]uintptr, MaxStackDepth)
		length := runtime.Callers(2+skip, stack[:])
		return &Error{Err: fmt.Errorf("%v", e), stack: stack[:length], code: CodeInternalError}
	}
}

// WithPublicMessage attaches a client-facing message distinct from Error().
func (err *Error) WithPublicMessage(msg string) *Error {
	err.publicMessage = msg
	return err
}

// WithCode overrides the taxonomy code.
func (err *Error) WithCode(code Code) *Error {
	err.code = code
	return err
}

// WithHTTPStatusCode overrides the default status code for Code().
func (err *Error) WithHTTPStatusCode(code int) *Error {
	err.httpStatusCode = code
	return err
}

// Error implements the error interface.
func (err *Error) Error() string {
	msg := err.Err.Error()
	if err.prefix != "" {
		msg = fmt.Sprintf("%s: %s", err.prefix, msg)
	}
	return msg
}

// Unwrap supports errors.As/errors.Is against the wrapped error.
func (err *Error) Unwrap() error {
	return err.Err
}

// Code returns the taxonomy code for this error.
func (err *Error) Code() Code {
	return err.code
}

// PublicMessage returns the message that should be shown to a client.
func (err *Error) PublicMessage() string {
	if err.publicMessage != "" {
		return err.publicMessage
	}
	return err.Error()
}

// HTTPStatusCode returns the HTTP status that should accompany this error.
func (err *Error) HTTPStatusCode() int {
	if err.httpStatusCode != 0 {
		return err.httpStatusCode
	}
	if code, ok := httpStatus[err.code]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// TypeName returns the concrete type of the wrapped error, e.g. "*net.OpError".
func (err *Error) TypeName() string {
	return reflect.TypeOf(err.Err).String()
}

// Stack formats the captured call stack the way runtime/debug.Stack does.
func (err *Error) Stack() []byte {
	var buf bytes.Buffer
	for _, frame := range err.StackFrames() {
		buf.WriteString(frame)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// StackFrames returns the captured stack, one formatted "func\n\tfile:line"
// entry per frame, lazily rendered from the raw program counters.
func (err *Error) StackFrames() []string {
	if err.frames == nil && len(err.stack) > 0 {
		frames := runtime.CallersFrames(err.stack)
		for {
			f, more := frames.Next()
			err.frames = append(err.frames, fmt.Sprintf("%s\n\t%s:%d", f.Function, f.File, f.Line))
			if !more {
				break
			}
		}
	}
	return err.frames
}

// ErrorStack returns the error message followed by its captured call stack.
func (err *Error) ErrorStack() string {
	return err.TypeName() + " " + err.Error() + "\n" + string(err.Stack())
}

// CodeOf extracts the taxonomy Code from err, returning "" if err is nil or
// does not carry one.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.code
	}
	return ""
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatusCode returns the HTTP status that should accompany err. Plain
// (non-*Error) errors map to 500.
func HTTPStatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if e, ok := err.(*Error); ok {
		return e.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
