// Package errors provides typed errors shared by the chat transport and its
// clients.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code. The set mirrors the error kinds a
// chat request can fail with.
type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeInternal        Code = "INTERNAL"
	// CodeResourceExhausted is sent when a connection exceeds its frame rate.
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
)

// Retryable reports whether a client should retry a request that failed
// with this code.
func (c Code) Retryable() bool {
	return c == CodeUnavailable || c == CodeResourceExhausted
}

// GRPCCode maps the code to a gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeNotFound:
		return codes.NotFound
	case CodeUnauthenticated:
		return codes.Unauthenticated
	case CodeForbidden:
		return codes.PermissionDenied
	case CodeInvalidArgument:
		return codes.InvalidArgument
	case CodeUnavailable:
		return codes.Unavailable
	case CodeInternal:
		return codes.Internal
	case CodeResourceExhausted:
		return codes.ResourceExhausted
	default:
		return codes.Unknown
	}
}

// HTTPStatus maps the code to an HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// CodeFromHTTPStatus is the inverse of HTTPStatus for responses that carry
// no error body. Gateway failures count as unavailable.
func CodeFromHTTPStatus(status int) Code {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusUnauthorized:
		return CodeUnauthenticated
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeInvalidArgument
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return CodeUnavailable
	case http.StatusTooManyRequests:
		return CodeResourceExhausted
	case http.StatusInternalServerError:
		return CodeInternal
	default:
		return CodeUnknown
	}
}
