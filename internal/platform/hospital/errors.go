package hospital

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
)

// ErrUnreachable is returned when the hospital API cannot be reached at all
// (connection refused, DNS failure, timeout). Callers surface it with a
// generic connectivity message rather than leaking transport details.
var ErrUnreachable = errors.New("unable to reach the hospital service, please try again")

// UnreachableMessage is the user-facing text for ErrUnreachable and other
// connectivity failures.
const UnreachableMessage = "Unable to reach the hospital service. Please try again."

// APIError is a non-2xx response from the hospital API. Message is the
// human-readable text extracted from the response body. LockoutRemaining is
// set only on 429 lockout responses that report a countdown, in seconds.
type APIError struct {
	StatusCode       int
	Message          string
	LockoutRemaining int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hospital api: %s (status %d)", e.Message, e.StatusCode)
}

// IsUnauthorized reports whether err is an upstream 401, meaning the session
// token the gateway holds is no longer valid and the session must be cleared.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// StatusOf returns the upstream status code carried by err, or 0 when err is
// not an APIError.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// ExtractMessage pulls the most specific human-readable error out of a
// hospital API error body. The API is inconsistent about error shapes, so
// extraction walks a fixed precedence:
//
//  1. a top-level "message" string
//  2. an "errors" map of field -> messages
//  3. the legacy "detail" or "error" string fields
//  4. the first field whose value is an array of messages ("field: message"),
//     which is how serializer validation errors arrive
//  5. a fallback derived from the HTTP status
//
// Map iteration is not ordered, so steps 2 and 4 pick the first field in
// sorted key order to keep the message stable.
func ExtractMessage(statusCode int, body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err == nil && payload != nil {
		if msg, ok := stringField(payload, "message"); ok {
			return msg
		}
		if raw, ok := payload["errors"]; ok {
			if msg, ok := firstFieldError(raw); ok {
				return msg
			}
		}
		if msg, ok := stringField(payload, "detail"); ok {
			return msg
		}
		if msg, ok := stringField(payload, "error"); ok {
			return msg
		}
		if msg, ok := firstArrayField(payload); ok {
			return msg
		}
	}
	if text := http.StatusText(statusCode); text != "" {
		return fmt.Sprintf("request failed: %s", text)
	}
	return fmt.Sprintf("request failed with status %d", statusCode)
}

func stringField(payload map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := payload[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// firstFieldError handles the {"errors": {"field": ["msg", ...]}} shape.
// Values may be a single string instead of an array.
func firstFieldError(raw json.RawMessage) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if msg, ok := messageOf(fields[k]); ok {
			return fmt.Sprintf("%s: %s", k, msg), true
		}
	}
	return "", false
}

// firstArrayField scans the top-level payload for serializer-style
// validation errors, where each offending field maps to an array of strings.
func firstArrayField(payload map[string]json.RawMessage) (string, bool) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var arr []string
		if err := json.Unmarshal(payload[k], &arr); err == nil && len(arr) > 0 && arr[0] != "" {
			return fmt.Sprintf("%s: %s", k, arr[0]), true
		}
	}
	return "", false
}

func messageOf(raw json.RawMessage) (string, bool) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 && arr[0] != "" {
		return arr[0], true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, true
	}
	return "", false
}
