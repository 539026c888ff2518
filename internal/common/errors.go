package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrOCR          = errors.New("ocr failed")
)

// Fusion engine failures. Each one is fatal for a single document only.
var (
	// ErrEmptyDocument means no usable tokens remained after whitespace filtering.
	ErrEmptyDocument = errors.New("empty document")
	// ErrModelOutputMismatch means the layout model broke its one-prediction-per-token contract.
	ErrModelOutputMismatch = errors.New("model output mismatch")
	// ErrMalformedInput means an internal invariant was violated by an earlier stage.
	ErrMalformedInput = errors.New("malformed input")
	// ErrMissingPageDimensions means the OCR page carried no usable width/height.
	ErrMissingPageDimensions = errors.New("missing page dimensions")
)

// Stable error kinds reported per document in batch outcomes, the store and the API.
const (
	KindEmptyDocument       = "EMPTY_DOCUMENT"
	KindModelOutputMismatch = "MODEL_OUTPUT_MISMATCH"
	KindMalformedInput      = "MALFORMED_INPUT"
	KindMissingDimensions   = "MISSING_PAGE_DIMENSIONS"
	KindOCRFailed           = "OCR_FAILED"
	KindCanceled            = "CANCELED"
	KindNotFound            = "NOT_FOUND"
	KindInvalidInput        = "INVALID_INPUT"
	KindUnauthorized        = "UNAUTHORIZED"
	KindInternal            = "INTERNAL"
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// ErrorKind maps err onto one of the Kind* constants. Returns "" for nil.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyDocument):
		return KindEmptyDocument
	case errors.Is(err, ErrModelOutputMismatch):
		return KindModelOutputMismatch
	case errors.Is(err, ErrMalformedInput):
		return KindMalformedInput
	case errors.Is(err, ErrMissingPageDimensions):
		return KindMissingDimensions
	case errors.Is(err, ErrOCR):
		return KindOCRFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	default:
		return KindInternal
	}
}

// GRPCCode maps err onto a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch ErrorKind(err) {
	case "":
		return codes.OK
	case KindEmptyDocument, KindMalformedInput, KindMissingDimensions, KindInvalidInput:
		return codes.InvalidArgument
	case KindModelOutputMismatch:
		return codes.FailedPrecondition
	case KindCanceled:
		return codes.DeadlineExceeded
	case KindNotFound:
		return codes.NotFound
	case KindUnauthorized:
		return codes.Unauthenticated
	default:
		return codes.Internal
	}
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch ErrorKind(err) {
	case "":
		return http.StatusOK
	case KindInvalidInput, KindMalformedInput:
		return http.StatusBadRequest
	case KindEmptyDocument, KindMissingDimensions:
		return http.StatusUnprocessableEntity
	case KindModelOutputMismatch, KindOCRFailed:
		return http.StatusBadGateway
	case KindCanceled:
		return http.StatusGatewayTimeout
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ToStatus converts err into a gRPC status error, keeping the message.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(GRPCCode(err), err.Error())
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func NotFoundError(message string) error {
	return status.Error(codes.NotFound, message)
}

func InternalError(message string) error {
	return status.Error(codes.Internal, message)
}

func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return InvalidArgumentError(fmt.Sprintf(format, args...))
}

func InternalErrorf(format string, args ...interface{}) error {
	return InternalError(fmt.Sprintf(format, args...))
}
