package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorConfiguration     = "OCEAN_CONFIGURATION_ERROR"
	ErrorEventNotSupported = "OCEAN_EVENT_NOT_SUPPORTED"
	ErrorRetryable         = "OCEAN_RETRYABLE"
	ErrorHandlerTimeout    = "OCEAN_HANDLER_TIMEOUT"
	ErrorHandlerCancelled  = "OCEAN_HANDLER_CANCELLED"
	ErrorCyclicDependency  = "OCEAN_CYCLIC_DEPENDENCY"
	ErrorBadInput          = "OCEAN_BAD_INPUT"
	ErrorUnauthorized      = "OCEAN_UNAUTHORIZED"
	ErrorInternal          = "OCEAN_INTERNAL"
)

// statusClientClosedRequest is used for handler invocations force-cancelled
// during shutdown.
const statusClientClosedRequest = 499

func oceanError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func oceanWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	if source == nil {
		return oceanError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func NewConfigurationError(message string, metadata map[string]any) error {
	return oceanError(
		message,
		goerrors.CategoryBadInput,
		http.StatusInternalServerError,
		ErrorConfiguration,
		metadata,
	)
}

func NewEventNotSupportedError(path string, traceID string) error {
	return oceanError(
		fmt.Sprintf("core: no handler claimed event on path %q", path),
		goerrors.CategoryNotFound,
		http.StatusNotFound,
		ErrorEventNotSupported,
		map[string]any{"path": path, "trace_id": traceID},
	)
}

// NewRetryableError marks cause as a transient handler failure. Handlers
// return it from Handle to request an immediate retry.
func NewRetryableError(cause error) error {
	return oceanWrapError(
		cause,
		goerrors.CategoryOperation,
		"core: retryable handler failure",
		http.StatusServiceUnavailable,
		ErrorRetryable,
		nil,
	)
}

func NewTimeoutError(handler string, timeout time.Duration) error {
	return oceanError(
		fmt.Sprintf("core: handler %q exceeded deadline of %s", handler, timeout),
		goerrors.CategoryOperation,
		http.StatusGatewayTimeout,
		ErrorHandlerTimeout,
		map[string]any{"handler": handler, "timeout_ms": timeout.Milliseconds()},
	)
}

func NewCancelledError(handler string, cause error) error {
	return oceanWrapError(
		cause,
		goerrors.CategoryOperation,
		fmt.Sprintf("core: handler %q cancelled", handler),
		statusClientClosedRequest,
		ErrorHandlerCancelled,
		map[string]any{"handler": handler},
	)
}

// NewCyclicDependencyError names the entities left unresolved by the sort.
func NewCyclicDependencyError(keys []EntityKey) error {
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, key.String())
	}
	return oceanError(
		fmt.Sprintf(
			"core: cyclic relation dependency among entities [%s]; set reconcile.create_missing_related_entities=true to relax strict relation ordering",
			strings.Join(names, ", "),
		),
		goerrors.CategoryConflict,
		http.StatusConflict,
		ErrorCyclicDependency,
		map[string]any{"entities": names},
	)
}

func NewBadInputError(message string, metadata map[string]any) error {
	return oceanError(message, goerrors.CategoryBadInput, http.StatusBadRequest, ErrorBadInput, metadata)
}

func NewInternalError(message string, metadata map[string]any) error {
	return oceanError(message, goerrors.CategoryInternal, http.StatusInternalServerError, ErrorInternal, metadata)
}

func IsConfiguration(err error) bool     { return HasTextCode(err, ErrorConfiguration) }
func IsEventNotSupported(err error) bool { return HasTextCode(err, ErrorEventNotSupported) }
func IsRetryable(err error) bool         { return HasTextCode(err, ErrorRetryable) }
func IsTimeout(err error) bool           { return HasTextCode(err, ErrorHandlerTimeout) }
func IsCancelled(err error) bool         { return HasTextCode(err, ErrorHandlerCancelled) }
func IsCyclicDependency(err error) bool  { return HasTextCode(err, ErrorCyclicDependency) }

// HasTextCode walks the wrap chain looking for a rich error with textCode.
func HasTextCode(err error, textCode string) bool {
	for current := err; current != nil; current = errors.Unwrap(current) {
		var rich *goerrors.Error
		if errors.As(current, &rich) && rich != nil && rich.TextCode == textCode {
			return true
		}
		if joined, ok := current.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				if HasTextCode(inner, textCode) {
					return true
				}
			}
			return false
		}
	}
	return false
}

// MapError converts any error into the rich envelope used at the HTTP
// boundary.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureErrorEnvelope(rich)
	}
	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorEventNotSupported
	case goerrors.CategoryConflict:
		return ErrorCyclicDependency
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorUnauthorized
	default:
		return ErrorInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
