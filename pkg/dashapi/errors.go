package dashapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer from the dashboard backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (apiErr *APIError) Error() string {
	if apiErr.Message != "" {
		return fmt.Sprintf("dashapi.status_%d: %s: %s", apiErr.StatusCode, apiErr.Code, apiErr.Message)
	}
	return fmt.Sprintf("dashapi.status_%d: %s", apiErr.StatusCode, apiErr.Code)
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeAPIError(response *http.Response) *APIError {
	apiErr := &APIError{StatusCode: response.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(response.Body, errorBodyLimit))
	var payload errorPayload
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		apiErr.Code = payload.Error
		apiErr.Message = payload.Message
		return apiErr
	}
	apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(response.StatusCode), " ", "_"))
	if apiErr.Code == "" {
		apiErr.Code = "unknown_status"
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}
