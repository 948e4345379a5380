// Package apierr classifies failed platform API calls into a closed set of
// error kinds and carries them as Go errors.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the classification of a failed call.
type Kind int

const (
	Unknown Kind = iota
	Unauthenticated
	Forbidden
	RateLimited
	EventEnded
	ValidationFailed
	// RefreshFailed is never returned by Classify. The refresh coordinator
	// produces it when the credential renewal call itself fails.
	RefreshFailed
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case RateLimited:
		return "rate_limited"
	case EventEnded:
		return "event_ended"
	case ValidationFailed:
		return "validation_failed"
	case RefreshFailed:
		return "refresh_failed"
	default:
		return "unknown"
	}
}

// Domain codes returned by the platform in error bodies.
const (
	CodeEventEnded       = "CTF_ENDED"
	CodeInvalidPassword  = "INVALID_PASSWORD"
	CodeMFARequired      = "MFA_REQUIRED"
	CodeInvalidMFA       = "INVALID_MFA"
	CodeMFAMisconfigured = "MFA_MISCONFIGURED"
	CodeCSRFBlocked      = "CSRF_BLOCKED"
)

// Sentinel errors, one per kind, for use with errors.Is.
var (
	ErrUnknown          = errors.New("request failed")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrRateLimited      = errors.New("rate limited")
	ErrEventEnded       = errors.New("event ended")
	ErrValidationFailed = errors.New("validation failed")
	ErrRefreshFailed    = errors.New("session refresh failed")
)

// Sentinel returns the sentinel error for k.
func (k Kind) Sentinel() error {
	switch k {
	case Unauthenticated:
		return ErrUnauthenticated
	case Forbidden:
		return ErrForbidden
	case RateLimited:
		return ErrRateLimited
	case EventEnded:
		return ErrEventEnded
	case ValidationFailed:
		return ErrValidationFailed
	case RefreshFailed:
		return ErrRefreshFailed
	default:
		return ErrUnknown
	}
}

// stepUpCodes describe the credential being verified rather than the
// session, so they take precedence over a 401 status.
var stepUpCodes = map[string]bool{
	CodeInvalidPassword:  true,
	CodeMFARequired:      true,
	CodeInvalidMFA:       true,
	CodeMFAMisconfigured: true,
}

// Body is the decoded shape of a platform error body. The platform emits
// both a flat {"code","message"} form and the FastAPI {"detail":{...}} form;
// detail may also be a bare string.
type Body struct {
	Code    string
	Message string
}

type rawBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

type rawDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseBody extracts the domain code and message from an error body.
// Malformed or empty bodies yield a zero Body.
func ParseBody(body []byte) Body {
	var raw rawBody
	if len(body) == 0 || json.Unmarshal(body, &raw) != nil {
		return Body{}
	}
	out := Body{Code: raw.Code, Message: raw.Message}
	if len(raw.Detail) == 0 {
		return out
	}
	var detail rawDetail
	if err := json.Unmarshal(raw.Detail, &detail); err == nil {
		if out.Code == "" {
			out.Code = detail.Code
		}
		if out.Message == "" {
			out.Message = detail.Message
		}
		return out
	}
	var msg string
	if err := json.Unmarshal(raw.Detail, &msg); err == nil && out.Message == "" {
		out.Message = msg
	}
	return out
}

// Classify maps a failed call's status and body to a Kind. It is pure.
func Classify(status int, body []byte) Kind {
	return classify(status, ParseBody(body))
}

func classify(status int, b Body) Kind {
	switch {
	case status == http.StatusUnauthorized && stepUpCodes[b.Code]:
		return ValidationFailed
	case status == http.StatusUnauthorized:
		return Unauthenticated
	case status == http.StatusForbidden && b.Code == CodeEventEnded:
		return EventEnded
	case status == http.StatusForbidden:
		return Forbidden
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status >= http.StatusBadRequest && b.Code != "":
		return ValidationFailed
	default:
		return Unknown
	}
}

// Error is the error returned for every failed platform call.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Method  string
	Path    string
	// Retried is set when the call had already been replayed after a
	// credential refresh.
	Retried bool
	Err     error
}

// New classifies a response into an *Error.
func New(method, path string, status int, body []byte) *Error {
	b := ParseBody(body)
	return &Error{
		Kind:    classify(status, b),
		Status:  status,
		Code:    b.Code,
		Message: b.Message,
		Method:  method,
		Path:    path,
	}
}

// Transport wraps a failure that produced no response at all.
func Transport(method, path string, err error) *Error {
	return &Error{Kind: Unknown, Method: method, Path: path, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Sentinel().Error()
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
	} else {
		msg = fmt.Sprintf("%s %s: %s", e.Method, e.Path, msg)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind.Sentinel(), e.Err}
	}
	return []error{e.Kind.Sentinel()}
}

// KindOf returns the Kind carried by err, or Unknown when err is not an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// CodeOf returns the domain code carried by err, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation reports whether err is ValidationFailed with one of codes.
func IsValidation(err error, codes ...string) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != ValidationFailed {
		return false
	}
	for _, c := range codes {
		if e.Code == c {
			return true
		}
	}
	return false
}
