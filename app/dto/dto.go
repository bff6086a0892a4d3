// Package dto holds the request and response shapes of the watch-link HTTP API
package dto

// APIResponse is the envelope every endpoint answers with, including 202 settlement-pending completions
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty" validate:"omitempty"`
	Error   any    `json:"error,omitempty" validate:"omitempty"`
}

// ErrorDetail carries the machine-readable error code, e.g. SESSION_EXPIRED
type ErrorDetail struct {
	Code    string `json:"code"`
	Details any    `json:"details,omitempty" validate:"omitempty"`
}
