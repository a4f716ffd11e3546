package apiframework

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
)

// MaxRequestBodySize bounds every decoded request body.
const MaxRequestBodySize = 1 << 20

// Encode writes v as JSON with the given status.
func Encode[T any](w http.ResponseWriter, _ *http.Request, status int, v T) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// Decode reads the request body into a T. JSON bodies are decoded directly;
// url-encoded and multipart forms are mapped onto T's json tags, taking the
// first value of every field.
func Decode[T any](r *http.Request) (T, error) {
	var v T
	if r.Body == nil || r.Body == http.NoBody {
		return v, ErrEmptyRequestBody
	}
	r.Body = http.MaxBytesReader(nil, r.Body, MaxRequestBodySize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		return decodeForm[T](r)
	case "", "application/json":
	default:
		return v, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
	}

	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return v, ErrEmptyRequestBody
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return v, err
		}
		return v, fmt.Errorf("%w: decode json: %w", ErrBadRequest, err)
	}
	return v, nil
}

func decodeForm[T any](r *http.Request) (T, error) {
	var v T
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		err = r.ParseMultipartForm(MaxRequestBodySize)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return v, err
		}
		return v, fmt.Errorf("%w: parse form: %w", ErrBadRequest, err)
	}

	fields := make(map[string]string, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return v, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("%w: form fields do not match request: %w", ErrBadRequest, err)
	}
	return v, nil
}

// Error writes err as an ErrorResponse. Server-side failures are logged with
// their cause and answered with a generic message.
func Error(w http.ResponseWriter, r *http.Request, err error, op Operation) error {
	status := mapErrorToStatus(op, err)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		apiErr = NewAPIError(err, "", "")
	}
	errType, errCode := apiErr.errorType, apiErr.errorCode
	if errType == "" {
		errType, errCode = getErrorTypeAndCode(status)
	}
	message := apiErr.message
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if !errors.As(err, new(*APIError)) {
			message = http.StatusText(status)
		}
	} else {
		slog.DebugContext(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	return Encode(w, r, status, ErrorResponse{
		OK:    false,
		Error: message,
		Type:  errType,
		Code:  errCode,
		Param: apiErr.param,
	})
}

// GetPathParam returns a path wildcard. description documents the parameter
// for readers of the route and is not used at runtime.
func GetPathParam(r *http.Request, name string, description string) string {
	_ = description
	return r.PathValue(name)
}

// GetQueryParam returns a query value or defaultValue when it is absent.
func GetQueryParam(r *http.Request, name, defaultValue, description string) string {
	_ = description
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return defaultValue
}
