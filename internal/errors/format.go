package errors

import (
	"encoding/json"
	"errors"
)

// jsonError is the wire representation used by HTTP error responses.
type jsonError struct {
	Code      string            `json:"code"`
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error for HTTP bodies
// and machine consumption. Plain errors are wrapped as internal.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	var se *ServiceError
	if !errors.As(err, &se) {
		se = Wrap(ErrCodeInternal, err)
	}

	return json.Marshal(jsonError{
		Code:      se.Code,
		Kind:      string(se.Kind),
		Message:   se.Message,
		Details:   se.Details,
		Retryable: se.Retryable,
	})
}

// FormatForLog formats an error as key-value pairs for slog attributes.
func FormatForLog(err error) map[string]any {
	if err == nil {
		return nil
	}

	var se *ServiceError
	if !errors.As(err, &se) {
		return map[string]any{"error": err.Error()}
	}

	result := map[string]any{
		"error_code": se.Code,
		"kind":       string(se.Kind),
		"message":    se.Message,
		"retryable":  se.Retryable,
	}
	if se.Cause != nil {
		result["cause"] = se.Cause.Error()
	}
	for k, v := range se.Details {
		result["detail_"+k] = v
	}
	return result
}
