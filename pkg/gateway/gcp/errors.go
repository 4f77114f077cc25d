package gcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/gkebackup/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

var throttledReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"RATE_LIMIT_EXCEEDED":   true,
}

// classify converts an API call error into a classified engine error.
func classify(op, resource string, err error) error {
	if err == nil {
		return nil
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	var classified *engine.EngineError
	var gerr *googleapi.Error
	var nerr net.Error

	switch {
	case errors.As(err, &gerr):
		classified = classifyHTTP(gerr.Code, reasons(gerr), gerr.Message, err)
	case errors.Is(err, context.DeadlineExceeded):
		classified = engine.NewTransientError("request timed out", err).WithCode(engine.ErrCodeTimeout)
	case errors.Is(err, context.Canceled):
		classified = engine.NewPermanentError("request cancelled", err).WithCode(engine.ErrCodeCancelled)
	case errors.As(err, &nerr):
		classified = engine.NewTransientError("network error", err).WithCode(engine.ErrCodeUnavailable)
	default:
		classified = engine.NewUnknownError(err.Error(), err)
	}

	return classified.WithOperation(op).WithResource(resource)
}

func reasons(gerr *googleapi.Error) []string {
	out := make([]string, 0, len(gerr.Errors))
	for _, item := range gerr.Errors {
		out = append(out, item.Reason)
	}
	return out
}

func classifyHTTP(status int, reasons []string, message string, err error) *engine.EngineError {
	if message == "" {
		message = http.StatusText(status)
	}
	for _, r := range reasons {
		if throttledReasons[r] {
			return engine.NewThrottledError(message, err).WithCode(engine.ErrCodeRateLimited)
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return engine.NewThrottledError(message, err).WithCode(engine.ErrCodeRateLimited)
	case status == http.StatusRequestTimeout:
		return engine.NewTransientError(message, err).WithCode(engine.ErrCodeTimeout)
	case status >= 500:
		return engine.NewTransientError(message, err).WithCode(engine.ErrCodeUnavailable)
	case status == http.StatusNotFound:
		return engine.NewPermanentError(message, err).WithCode(engine.ErrCodeNotFound)
	case status == http.StatusConflict:
		return engine.NewPermanentError(message, err).WithCode(engine.ErrCodeAlreadyExists)
	case status == http.StatusForbidden, status == http.StatusUnauthorized:
		return engine.NewPermanentError(message, err).WithCode(engine.ErrCodePermissionDenied)
	case status == http.StatusBadRequest:
		return engine.NewPermanentError(message, err).WithCode(engine.ErrCodeInvalidArgument)
	case status >= 400:
		return engine.NewPermanentError(message, err).WithCode(engine.ErrCodeProviderFailed)
	default:
		return engine.NewUnknownError(message, err)
	}
}

// computeOperationError classifies the error block of a finished compute
// operation.
func computeOperationError(op *compute.Operation) error {
	var msgs []string
	var errCodes []string
	if op.Error != nil {
		for _, e := range op.Error.Errors {
			msgs = append(msgs, e.Message)
			errCodes = append(errCodes, e.Code)
		}
	}
	message := strings.Join(msgs, "; ")
	if message == "" {
		message = op.HttpErrorMessage
	}
	if message == "" {
		message = "operation failed"
	}

	for _, code := range errCodes {
		switch code {
		case "QUOTA_EXCEEDED", "RATE_LIMIT_EXCEEDED":
			return engine.NewThrottledError(message, nil).WithCode(engine.ErrCodeRateLimited)
		case "ZONE_RESOURCE_POOL_EXHAUSTED", "RESOURCE_OPERATION_RATE_EXCEEDED", "INTERNAL_ERROR":
			return engine.NewTransientError(message, nil).WithCode(engine.ErrCodeUnavailable)
		case "RESOURCE_NOT_FOUND":
			return engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeNotFound)
		case "RESOURCE_ALREADY_EXISTS", "ALREADY_EXISTS":
			return engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeAlreadyExists)
		case "INVALID_FIELD_VALUE", "INVALID_USAGE", "BAD_REQUEST":
			return engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeInvalidArgument)
		}
	}

	if op.HttpErrorStatusCode != 0 {
		return classifyHTTP(int(op.HttpErrorStatusCode), nil, message, nil)
	}
	return engine.NewUnknownError(message, nil).WithCode(engine.ErrCodeOperationFailed)
}

// backupOperationError classifies the status of a finished Backup for GKE
// operation.
func backupOperationError(op *gkebackup.GoogleLongrunningOperation) error {
	if op.Error == nil {
		return nil
	}
	message := op.Error.Message
	if message == "" {
		message = fmt.Sprintf("operation %s failed", op.Name)
	}

	switch codes.Code(op.Error.Code) {
	case codes.OK:
		return nil
	case codes.ResourceExhausted:
		return engine.NewThrottledError(message, nil).WithCode(engine.ErrCodeRateLimited)
	case codes.Unavailable, codes.Aborted, codes.Internal:
		return engine.NewTransientError(message, nil).WithCode(engine.ErrCodeUnavailable)
	case codes.DeadlineExceeded:
		return engine.NewTransientError(message, nil).WithCode(engine.ErrCodeTimeout)
	case codes.Canceled:
		return engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeCancelled)
	case codes.NotFound:
		return engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeNotFound)
	case codes.AlreadyExists:
		return engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeAlreadyExists)
	case codes.PermissionDenied, codes.Unauthenticated:
		return engine.NewPermanentError(message, nil).WithCode(engine.ErrCodePermissionDenied)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeInvalidArgument)
	default:
		return engine.NewUnknownError(message, nil).WithCode(engine.ErrCodeOperationFailed)
	}
}
