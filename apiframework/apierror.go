package apiframework

import "fmt"

// APIError carries a client-facing message plus the type/code pair written to
// the response. The wrapped error drives the status code via errors.Is.
type APIError struct {
	err       error
	message   string
	param     string
	errorType string
	errorCode string
	status    int
}

func (e *APIError) Error() string {
	if e.param != "" {
		return fmt.Sprintf("%s (param: %s)", e.message, e.param)
	}
	return e.message
}

func (e *APIError) Unwrap() error { return e.err }

func (e *APIError) Message() string { return e.message }
func (e *APIError) Param() string   { return e.param }
func (e *APIError) Type() string    { return e.errorType }
func (e *APIError) Code() string    { return e.errorCode }

// StatusCode is the HTTP status the error was received with. It is only set
// on errors decoded by HandleAPIError.
func (e *APIError) StatusCode() int { return e.status }

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
	Code  string `json:"code,omitempty"`
	Param string `json:"param,omitempty"`
}

// OKResponse is the body of a successful write that returns nothing else.
type OKResponse struct {
	OK bool `json:"ok"`
}
