package apiframework

import (
	"errors"
	"net/http"

	"github.com/contenox/tablechat/chatservice"
	"github.com/contenox/tablechat/chatsession"
	libdb "github.com/contenox/tablechat/libdbexec"
	"github.com/contenox/tablechat/libkvstore"
	"github.com/contenox/tablechat/libroutine"
)

var (
	ErrBadPathValue     = errors.New("serverops: bad path value")
	ErrEmptyRequestBody = errors.New("serverops: empty request body")

	ErrBadRequest           = errors.New("serverops: bad request")
	ErrUnauthorized         = errors.New("serverops: unauthorized")
	ErrForbidden            = errors.New("serverops: forbidden")
	ErrNotFound             = errors.New("serverops: not found")
	ErrConflict             = errors.New("serverops: conflict")
	ErrUnsupportedMediaType = errors.New("serverops: unsupported media type")
	ErrUnprocessableEntity  = errors.New("serverops: unprocessable entity")
	ErrInternalServerError  = errors.New("serverops: internal server error")
	ErrServiceUnavailable   = errors.New("serverops: service unavailable")
)

type errorKind struct {
	errorType string
	errorCode string
}

// errorMappings gives well-known errors a more specific type/code than the
// one derived from the status.
var errorMappings = map[error]errorKind{
	ErrBadPathValue:         {"invalid_request_error", "bad_path_value"},
	ErrEmptyRequestBody:     {"invalid_request_error", "empty_request_body"},
	ErrBadRequest:           {"invalid_request_error", "bad_request"},
	ErrUnauthorized:         {"authentication_error", "unauthorized"},
	ErrForbidden:            {"authorization_error", "forbidden"},
	ErrNotFound:             {"invalid_request_error", "not_found"},
	ErrConflict:             {"invalid_request_error", "conflict"},
	ErrUnsupportedMediaType: {"invalid_request_error", "unsupported_media_type"},
	ErrUnprocessableEntity:  {"invalid_request_error", "unprocessable_entity"},
	ErrInternalServerError:  {"api_error", "internal_server_error"},
	ErrServiceUnavailable:   {"api_error", "service_unavailable"},

	chatservice.ErrEmptyText:           {"invalid_request_error", "empty_text"},
	chatservice.ErrInvalidSender:       {"invalid_request_error", "invalid_sender"},
	chatservice.ErrMissingConversation: {"invalid_request_error", "missing_conversation"},
	chatservice.ErrFieldTooLong:        {"invalid_request_error", "field_too_long"},
	chatsession.ErrInvalidSession:      {"authentication_error", "invalid_session"},
}

func getErrorMapping(err error) (string, string) {
	for known, kind := range errorMappings {
		if errors.Is(err, known) {
			return kind.errorType, kind.errorCode
		}
	}
	return "", ""
}

var statusKinds = map[int]errorKind{
	http.StatusBadRequest:            {"invalid_request_error", "bad_request"},
	http.StatusUnauthorized:          {"authentication_error", "unauthorized"},
	http.StatusForbidden:             {"authorization_error", "forbidden"},
	http.StatusNotFound:              {"invalid_request_error", "not_found"},
	http.StatusConflict:              {"invalid_request_error", "conflict"},
	http.StatusRequestEntityTooLarge: {"invalid_request_error", "request_too_large"},
	http.StatusUnsupportedMediaType:  {"invalid_request_error", "unsupported_media"},
	http.StatusUnprocessableEntity:   {"invalid_request_error", "unprocessable_entity"},
	http.StatusInternalServerError:   {"api_error", "internal_error"},
	http.StatusServiceUnavailable:    {"api_error", "service_unavailable"},
}

func getErrorTypeAndCode(status int) (string, string) {
	if kind, ok := statusKinds[status]; ok {
		return kind.errorType, kind.errorCode
	}
	return "api_error", "unknown_error"
}

// Operation tells Error what the handler was doing, which decides the
// status of errors no rule recognises.
type Operation uint16

const (
	CreateOperation Operation = iota
	GetOperation
	AuthorizeOperation
	ServerOperation
)

type statusRule struct {
	status int
	errs   []error
}

// statusRules are checked in order; the first rule with a matching error wins.
var statusRules = []statusRule{
	{http.StatusUnauthorized, []error{ErrUnauthorized, chatsession.ErrInvalidSession}},
	{http.StatusBadRequest, []error{
		ErrBadRequest, ErrEmptyRequestBody, ErrBadPathValue,
		chatservice.ErrEmptyText, chatservice.ErrInvalidSender,
		chatservice.ErrMissingConversation, chatservice.ErrFieldTooLong,
		libdb.ErrDataTruncation, libdb.ErrInvalidInputSyntax,
	}},
	{http.StatusForbidden, []error{ErrForbidden}},
	{http.StatusNotFound, []error{ErrNotFound, libdb.ErrNotFound, libkvstore.ErrNotFound}},
	{http.StatusConflict, []error{
		ErrConflict, libdb.ErrUniqueViolation, libdb.ErrConstraintViolation,
		libdb.ErrNotNullViolation, libdb.ErrCheckViolation,
	}},
	{http.StatusUnsupportedMediaType, []error{ErrUnsupportedMediaType}},
	{http.StatusUnprocessableEntity, []error{ErrUnprocessableEntity}},
	{http.StatusServiceUnavailable, []error{ErrServiceUnavailable, libroutine.ErrCircuitOpen}},
	{http.StatusInternalServerError, []error{ErrInternalServerError}},
}

func mapErrorToStatus(op Operation, err error) int {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return http.StatusRequestEntityTooLarge
	}
	for _, rule := range statusRules {
		for _, target := range rule.errs {
			if errors.Is(err, target) {
				return rule.status
			}
		}
	}

	switch op {
	case CreateOperation:
		return http.StatusUnprocessableEntity
	case GetOperation:
		return http.StatusNotFound
	case AuthorizeOperation:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError wraps err with a client-facing message. An empty message
// falls back to err's text.
func NewAPIError(err error, message, param string) *APIError {
	errorType, errorCode := getErrorMapping(err)
	if message == "" {
		message = err.Error()
	}
	return &APIError{
		err:       err,
		message:   message,
		param:     param,
		errorType: errorType,
		errorCode: errorCode,
	}
}

func withMessage(err error, fallback, param string, message []string) *APIError {
	if len(message) > 0 && message[0] != "" {
		fallback = message[0]
	}
	return NewAPIError(err, fallback, param)
}

func Unauthorized(message ...string) *APIError {
	return withMessage(ErrUnauthorized, "Unauthorized access", "", message)
}

func BadRequest(message ...string) *APIError {
	return withMessage(ErrBadRequest, "Bad request", "", message)
}

func BadPathValue(param string, message ...string) *APIError {
	return withMessage(ErrBadPathValue, "Bad path value", param, message)
}

func InternalServerError(message ...string) *APIError {
	return withMessage(ErrInternalServerError, "Internal server error", "", message)
}

func ServiceUnavailable(message ...string) *APIError {
	return withMessage(ErrServiceUnavailable, "Service unavailable", "", message)
}
