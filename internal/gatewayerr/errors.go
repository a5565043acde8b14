// Package gatewayerr defines the error taxonomy shared by every gateway
// component, so HTTP and SSE layers can map a single wrapped type to the
// right status code or event payload instead of string-matching messages.
package gatewayerr

import "fmt"

// Kind enumerates the error taxonomy surfaced in error.type.
type Kind string

const (
	InvalidRequest      Kind = "INVALID_REQUEST"
	Unauthenticated      Kind = "UNAUTHENTICATED"
	PermissionDenied     Kind = "PERMISSION_DENIED"
	RateLimited          Kind = "RATE_LIMITED"
	NotFound             Kind = "NOT_FOUND"
	ProviderUnavailable  Kind = "PROVIDER_UNAVAILABLE"
	StoreUnavailable     Kind = "STORE_UNAVAILABLE"
	Internal             Kind = "INTERNAL"
)

// Error is the wrapped error type every component returns through.
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Param   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap tags an existing error with a Kind, preserving it for errors.Is/As.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithParam attaches the offending request parameter name (validation errors).
func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

// WithCode attaches a provider-specific error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf extracts the Kind from err, defaulting to Internal when err is not
// (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return Internal
}

func as(err error, target **Error) bool {
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

// HTTPStatus maps a Kind to the status code required by §7.
func HTTPStatus(k Kind) int {
	switch k {
	case InvalidRequest:
		return 400
	case Unauthenticated:
		return 401
	case PermissionDenied:
		return 403
	case NotFound:
		return 404
	case RateLimited:
		return 429
	case ProviderUnavailable, StoreUnavailable:
		return 503
	default:
		return 500
	}
}

// Envelope is the JSON error body shape from §6/§7.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// ToEnvelope converts err into the wire error envelope, defaulting
// unrecognized errors to INTERNAL with a generic message (never leaking
// internals to the caller).
func ToEnvelope(err error) Envelope {
	var e *Error
	if as(err, &e) {
		return Envelope{Error: EnvelopeBody{Type: e.Kind, Message: e.Message, Code: e.Code, Param: e.Param}}
	}
	return Envelope{Error: EnvelopeBody{Type: Internal, Message: "internal error"}}
}
