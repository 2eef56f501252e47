// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIError is a failed Bot API call. Callers can use errors.As to
// inspect it:
//
//	var apiError *telegram.APIError
//	if errors.As(err, &apiError) && apiError.RetryAfter > 0 { ... }
type APIError struct {
	// Method is the Bot API method, e.g. "sendMessage".
	Method string

	// Code is the Bot API error_code, usually equal to the HTTP status.
	Code int

	// Description is the server's human-readable explanation.
	Description string

	// RetryAfter is set for flood control (429) responses.
	RetryAfter time.Duration

	// MigrateToChatID is set when a group was upgraded to a supergroup.
	MigrateToChatID int64
}

func (e *APIError) Error() string {
	message := fmt.Sprintf("telegram: %s failed (%d): %s", e.Method, e.Code, e.Description)
	if e.RetryAfter > 0 {
		message += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return message
}

// IsRateLimited reports whether err is a flood-control rejection.
func IsRateLimited(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.Code == http.StatusTooManyRequests
}

// IsNotModified reports whether err is the rejection editMessageText
// returns when the new text equals the old. Edits are idempotent, so
// callers usually treat this as success.
func IsNotModified(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) &&
		apiError.Code == http.StatusBadRequest &&
		strings.Contains(apiError.Description, "message is not modified")
}

// IsMessageGone reports whether err says the target message no longer
// exists or can no longer be edited or deleted.
func IsMessageGone(err error) bool {
	var apiError *APIError
	if !errors.As(err, &apiError) || apiError.Code != http.StatusBadRequest {
		return false
	}
	description := strings.ToLower(apiError.Description)
	return strings.Contains(description, "message to edit not found") ||
		strings.Contains(description, "message to delete not found") ||
		strings.Contains(description, "message can't be deleted") ||
		strings.Contains(description, "message can't be edited")
}
