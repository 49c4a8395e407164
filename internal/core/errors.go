package core

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorKind classifies a gateway failure. The kind is part of the external
// contract: callers use it to decide whether a retry can help.
type ErrorKind string

const (
	// KindUnauthorized indicates a missing, expired or invalid credential.
	KindUnauthorized ErrorKind = "unauthorized"
	// KindUnknownProvider indicates the request named a provider the
	// registry has no adapter for.
	KindUnknownProvider ErrorKind = "unknown_provider"
	// KindUnknownModel indicates the provider exists but the model does not.
	KindUnknownModel ErrorKind = "unknown_model"
	// KindTemplateNotFound indicates the pinned prompt template is missing.
	KindTemplateNotFound ErrorKind = "template_not_found"
	// KindProviderUnavailable indicates a transient transport failure or
	// timeout; the caller may retry.
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	// KindProviderRejected indicates the provider refused the request
	// (bad model parameters, content policy); retrying will not help.
	KindProviderRejected ErrorKind = "provider_rejected"
	// KindProviderProtocol indicates a response shape the adapter could
	// not parse. Logged and surfaced, never silently swallowed.
	KindProviderProtocol ErrorKind = "provider_protocol_error"
	// KindStorage indicates a session or usage write failed.
	KindStorage ErrorKind = "storage_failure"
)

// GatewayError is the single error type surfaced by the dispatcher.
type GatewayError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Provider   string    `json:"provider,omitempty"`
	StatusCode int       `json:"-"`
	Err        error     `json:"-"`
}

func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *GatewayError) Retryable() bool {
	return e.Kind == KindProviderUnavailable
}

// HTTPStatusCode maps the error kind to a response status.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUnknownProvider, KindUnknownModel, KindTemplateNotFound:
		return http.StatusNotFound
	case KindProviderRejected:
		return http.StatusBadRequest
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindProviderProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to the wire shape used by the HTTP layer.
func (e *GatewayError) ToJSON() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"kind":    e.Kind,
			"message": e.Message,
		},
	}
}

// NewUnauthorized creates an authorization failure.
func NewUnauthorized(message string) *GatewayError {
	return &GatewayError{Kind: KindUnauthorized, Message: message}
}

// NewUnknownProvider creates a registry lookup failure for a provider name.
func NewUnknownProvider(provider string) *GatewayError {
	return &GatewayError{
		Kind:    KindUnknownProvider,
		Message: fmt.Sprintf("provider %q is not supported", provider),
	}
}

// NewUnknownModel creates a registry lookup failure for a model name.
func NewUnknownModel(provider, model string) *GatewayError {
	return &GatewayError{
		Kind:     KindUnknownModel,
		Provider: provider,
		Message:  fmt.Sprintf("model %q is not registered for provider %q", model, provider),
	}
}

// NewTemplateNotFound creates a failure for a missing prompt template.
func NewTemplateNotFound(name string) *GatewayError {
	return &GatewayError{
		Kind:    KindTemplateNotFound,
		Message: fmt.Sprintf("prompt template %q not found", name),
	}
}

// NewProviderUnavailable creates a transient provider failure.
func NewProviderUnavailable(provider, message string, err error) *GatewayError {
	return &GatewayError{Kind: KindProviderUnavailable, Provider: provider, Message: message, Err: err}
}

// NewProviderRejected creates a non-retryable provider refusal. The provider's
// own status code is preserved so the caller sees it verbatim.
func NewProviderRejected(provider string, statusCode int, message string) *GatewayError {
	return &GatewayError{Kind: KindProviderRejected, Provider: provider, StatusCode: statusCode, Message: message}
}

// NewProviderProtocol creates a failure for an unparseable provider response.
func NewProviderProtocol(provider, message string, err error) *GatewayError {
	return &GatewayError{Kind: KindProviderProtocol, Provider: provider, Message: message, Err: err}
}

// NewStorageFailure wraps a session or usage store error.
func NewStorageFailure(op string, err error) *GatewayError {
	return &GatewayError{
		Kind:    KindStorage,
		Message: fmt.Sprintf("%s failed", op),
		Err:     err,
	}
}

// AsGatewayError returns err as a *GatewayError, wrapping unknown errors as a
// protocol-level internal failure so the taxonomy is never bypassed.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*GatewayError); ok {
		return ge
	}
	return &GatewayError{Kind: KindProviderProtocol, Message: err.Error(), Err: err}
}

// ParseProviderError maps a provider HTTP error response into the taxonomy.
// 429 and 5xx are transient; other 4xx are surfaced verbatim as rejections.
func ParseProviderError(provider string, statusCode int, body []byte) *GatewayError {
	var errorResponse struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errorResponse); err == nil && errorResponse.Error.Message != "" {
		message = errorResponse.Error.Message
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewProviderUnavailable(provider, message, nil)
	case statusCode >= 400 && statusCode < 500:
		return NewProviderRejected(provider, statusCode, message)
	default:
		return NewProviderUnavailable(provider, message, nil)
	}
}
