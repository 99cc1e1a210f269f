// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the eWeLink bridge.
//
// The taxonomy follows how each failure is handled:
//
//   - ConfigError: a device or the process is misconfigured (missing key or
//     credentials). Fatal for the affected device only.
//   - DecodeError / DecryptError: a single discovery update could not be
//     turned into state. The update is dropped, prior state is kept.
//   - TransportError: a local command could not be delivered. Logged only;
//     optimistic state is not reverted.
//   - AuthError / APIError: cloud failures. These are the only errors surfaced
//     to an interactive caller. APIError code 401 means the token is invalid or
//     expired and the user has to log in again.
//
// # Example Usage
//
//	payload, err := discovery.Assemble(rec, id)
//	if errors.IsDecodeError(err) {
//	    var de *errors.DecodeError
//	    errors.As(err, &de)
//	    log.Printf("dropping update: %s", de.Reason)
//	}
package errors

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Field    string // Configuration field that caused the error
	DeviceID string // Device affected, empty for process-wide settings
	Value    string // Invalid value (never set for secrets)
	Err      error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	prefix := fmt.Sprintf("config error in field %q", e.Field)
	if e.DeviceID != "" {
		prefix = fmt.Sprintf("config error in field %q (device=%s)", e.Field, e.DeviceID)
	}
	if e.Value != "" {
		prefix += fmt.Sprintf(" (value=%q)", e.Value)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// NewDeviceConfigError creates a configuration error scoped to one device.
func NewDeviceConfigError(field, deviceID string, err error) *ConfigError {
	return &ConfigError{Field: field, DeviceID: deviceID, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// DecodeReason classifies why a discovery record could not be decoded.
type DecodeReason string

const (
	// MissingKey means the record is encrypted but no device key is configured.
	MissingKey DecodeReason = "missing_key"
	// MalformedJSON means the assembled payload is not a JSON object.
	MalformedJSON DecodeReason = "malformed_json"
	// BadIV means the iv field is absent, not base64, or not 16 bytes.
	BadIV DecodeReason = "bad_iv"
)

// DecodeError represents a discovery record that could not be turned into a payload.
type DecodeError struct {
	Reason   DecodeReason
	DeviceID string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s (device=%s): %v", e.Reason, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("decode %s (device=%s)", e.Reason, e.DeviceID)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError creates a new decode error.
func NewDecodeError(reason DecodeReason, deviceID string, err error) *DecodeError {
	return &DecodeError{Reason: reason, DeviceID: deviceID, Err: err}
}

// IsDecodeError checks if an error is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// DecodeReasonOf returns the reason of a DecodeError in the chain, or "".
func DecodeReasonOf(err error) DecodeReason {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// DecryptError represents a ciphertext that could not be decrypted.
// There is no authentication tag, so this only catches structural corruption.
type DecryptError struct {
	Err error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt: %v", e.Err)
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

// NewDecryptError creates a new decrypt error.
func NewDecryptError(err error) *DecryptError {
	return &DecryptError{Err: err}
}

// IsDecryptError checks if an error is a DecryptError.
func IsDecryptError(err error) bool {
	var de *DecryptError
	return errors.As(err, &de)
}

// TransportError represents a local command that could not be delivered.
type TransportError struct {
	Op       string // Endpoint or operation (e.g. "switch", "switches")
	DeviceID string
	Addr     string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s (device=%s, %s): %v", e.Op, e.DeviceID, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error.
func NewTransportError(op, deviceID, addr string, err error) *TransportError {
	return &TransportError{Op: op, DeviceID: deviceID, Addr: addr, Err: err}
}

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AuthError represents a failed cloud login.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("auth %s failed", e.Op)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError creates a new auth error.
func NewAuthError(op string, err error) *AuthError {
	return &AuthError{Op: op, Err: err}
}

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// CodeUnauthorized is the cloud application error for an invalid or expired token.
const CodeUnauthorized = 401

// CodeRegionRedirect is returned by login when the account lives in another region.
const CodeRegionRedirect = 301

// APIError represents a cloud response carrying a non-zero error field.
type APIError struct {
	Op     string
	Code   int
	Region string // set for CodeRegionRedirect
}

func (e *APIError) Error() string {
	switch e.Code {
	case CodeUnauthorized:
		return fmt.Sprintf("cloud %s: error %d (invalid or expired token, log in again)", e.Op, e.Code)
	case CodeRegionRedirect:
		return fmt.Sprintf("cloud %s: error %d (account belongs to region %q)", e.Op, e.Code, e.Region)
	default:
		return fmt.Sprintf("cloud %s: error %d", e.Op, e.Code)
	}
}

// IsUnauthorized reports whether the error signals a credential problem.
func (e *APIError) IsUnauthorized() bool {
	return e.Code == CodeUnauthorized
}

// NewAPIError creates a new API error.
func NewAPIError(op string, code int) *APIError {
	return &APIError{Op: op, Code: code}
}

// IsAPIError checks if an error is an APIError.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// IsUnauthorized checks if any APIError in the chain is a 401.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.IsUnauthorized()
}

// Sentinel errors for common conditions
var (
	// ErrDeviceNotFound indicates a device was not found
	ErrDeviceNotFound = errors.New("device not found")

	// ErrNotSeeded indicates a model has not decoded any device state yet
	ErrNotSeeded = errors.New("device state not yet discovered")

	// ErrUnknownOutlet indicates an outlet index the device never reported
	ErrUnknownOutlet = errors.New("unknown outlet")

	// ErrNoAddress indicates no network address is known for a device
	ErrNoAddress = errors.New("no address known for device")

	// ErrNotLoggedIn indicates a cloud call was made without a session token
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrDeviceExcluded indicates a device is excluded from control by a config error
	ErrDeviceExcluded = errors.New("device excluded from control")
)
