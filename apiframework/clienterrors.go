package apiframework

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HandleAPIError processes error responses from the API
func HandleAPIError(resp *http.Response) error {
	// Read the entire response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("API error with status %s (failed to read response body: %v)", resp.Status, err)
	}

	var apiErr ErrorResponse
	if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Error != "" {
		// Return structured APIError instead of string
		return &APIError{
			err:       statusError(resp.StatusCode, apiErr.Error),
			message:   apiErr.Error,
			param:     apiErr.Param,
			errorType: apiErr.Type,
			errorCode: apiErr.Code,
			status:    resp.StatusCode,
		}
	}

	// Fallback to generic error
	bodyStr := string(body)
	if len(bodyStr) > 100 {
		bodyStr = bodyStr[:100] + "..."
	}
	return fmt.Errorf("API error %d: %s: %w", resp.StatusCode, bodyStr, statusSentinel(resp.StatusCode))
}

// statusError wraps message with the sentinel matching status so callers
// can branch with errors.Is.
func statusError(status int, message string) error {
	return fmt.Errorf("%s: %w", message, statusSentinel(status))
}

func statusSentinel(status int) error {
	switch status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnsupportedMediaType:
		return ErrUnsupportedMediaType
	case http.StatusUnprocessableEntity:
		return ErrUnprocessableEntity
	case http.StatusServiceUnavailable:
		return ErrServiceUnavailable
	default:
		return ErrInternalServerError
	}
}
