package response

import (
	"fmt"
	"net/http"

	"github.com/shiftwise/billing/apperr"
)

// Error is the body of every non-2xx response
type Error struct {
	StatusCode int      `json:"-"`
	Message    string   `json:"message"`
	Messages   []string `json:"messages"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// AddMessages appends client-facing details
func (e *Error) AddMessages(msgs ...string) *Error {
	e.Messages = append(e.Messages, msgs...)
	return e
}

var statusMessages = map[int]string{
	http.StatusBadRequest:          "Bad request",
	http.StatusNotFound:            "Requested resources not found",
	http.StatusConflict:            "Request conflicts with the subscription state",
	http.StatusInternalServerError: "An unexpected error has occured",
	http.StatusBadGateway:          "Payment provider unavailable",
}

func withStatus(status int) *Error {
	msg, ok := statusMessages[status]
	if !ok {
		msg = http.StatusText(status)
	}
	return &Error{
		StatusCode: status,
		Message:    msg,
		Messages:   make([]string, 0),
	}
}

func ErrUnexpected() *Error  { return withStatus(http.StatusInternalServerError) }
func ErrBadRequest() *Error  { return withStatus(http.StatusBadRequest) }
func ErrNotFound() *Error    { return withStatus(http.StatusNotFound) }
func ErrConflict() *Error    { return withStatus(http.StatusConflict) }
func ErrBadGateway() *Error  { return withStatus(http.StatusBadGateway) }
func ErrInvalidJson() *Error { return ErrBadRequest().AddMessages("Invalid JSON body") }

// FromError maps the billing error taxonomy onto an HTTP error. Anything
// outside the taxonomy becomes a bare 500 so internals are not echoed.
func FromError(err error) *Error {
	var e *Error
	switch {
	case apperr.IsNotFound(err):
		e = ErrNotFound()
	case apperr.IsValidation(err):
		e = ErrBadRequest()
	case apperr.IsInconsistentState(err):
		e = ErrConflict()
	case apperr.IsGateway(err):
		e = ErrBadGateway()
	default:
		return ErrUnexpected()
	}
	return e.AddMessages(err.Error())
}
