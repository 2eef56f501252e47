// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP response reads.
//
// JSON API responses are read up to MaxResponseSize; file downloads go
// through ReadLimited with a caller-chosen bound and fail (rather than
// truncate) when the body is larger. Either way a misbehaving server
// cannot make tether allocate without limit.
package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response reads. Bot API responses
// are a few kilobytes; a getUpdates batch of 100 updates stays far
// below this.
const MaxResponseSize int64 = 16 << 20

// ErrTooLarge is returned by ReadLimited when the body exceeds its
// bound.
var ErrTooLarge = errors.New("response body exceeds size limit")

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll for HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON API response body (up to
// MaxResponseSize bytes) and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ReadLimited reads all of body, failing with ErrTooLarge instead of
// truncating when it holds more than limit bytes.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)
	}
	return data, nil
}

// ErrorBody reads an HTTP error response body for use in an error
// message. Read errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	return string(data)
}
