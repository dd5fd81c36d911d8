// Package apierrors defines the plugin runtime's error taxonomy
// and how it maps onto HTTP status codes and guest-facing
// error codes, mirroring the upstream gateway's pkg/errors.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Kind names one row of the runtime's error taxonomy.
type Kind string

const (
	KindManifest         Kind = "manifest_error"
	KindLoad             Kind = "load_error"
	KindStart            Kind = "start_error"
	KindRuntimeCrash     Kind = "runtime_crash"
	KindPermissionDenied Kind = "permission_denied"
	KindConfig           Kind = "config_error"
	KindConfigWrite      Kind = "config_write_error"
	KindTimeout          Kind = "timeout"
	KindNotFound         Kind = "not_found"
)

// RuntimeError is a tagged value, not a control-flow exception: every
// error that crosses a component boundary inside the runtime is one of
// these so callers can switch on Kind without string matching.
type RuntimeError struct {
	Kind     Kind
	PluginID string
	Message  string
	Cause    error
}

func (e *RuntimeError) Error() string {
	if e.PluginID != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.PluginID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

// New constructs a RuntimeError.
func New(kind Kind, pluginID, message string, cause error) *RuntimeError {
	return &RuntimeError{Kind: kind, PluginID: pluginID, Message: message, Cause: cause}
}

// HTTPStatus maps a Kind to the status code the HTTP façade should use:
// 4xx for user-supplied config problems, 5xx for runtime faults.
func (e *RuntimeError) HTTPStatus() int {
	switch e.Kind {
	case KindManifest, KindConfig, KindPermissionDenied:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusServiceUnavailable
	case KindLoad, KindStart, KindRuntimeCrash, KindConfigWrite:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// StatusCodeFromError extracts an HTTP status from any error, falling
// back to 500 for errors outside the taxonomy.
func StatusCodeFromError(err error) int {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// ErrorHandler is an Echo HTTPErrorHandler that renders RuntimeErrors
// (and anything else) as {"error": <message>}.
func ErrorHandler(logger *logrus.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var re *RuntimeError
		if errors.As(err, &re) {
			logger.WithFields(logrus.Fields{
				"kind":      re.Kind,
				"plugin_id": re.PluginID,
				"path":      c.Request().URL.Path,
			}).Error("plugin runtime error")
			c.JSON(re.HTTPStatus(), map[string]string{"error": re.Error()})
			return
		}

		var echoErr *echo.HTTPError
		if errors.As(err, &echoErr) {
			msg := echoErr.Message
			if msg == nil {
				msg = http.StatusText(echoErr.Code)
			}
			c.JSON(echoErr.Code, map[string]interface{}{"error": msg})
			return
		}

		logger.WithError(err).WithField("path", c.Request().URL.Path).Error("unhandled error")
		c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// GuestCode is the integer returned across the guest boundary for a
// given error Kind; 0 always means success.
type GuestCode int32

const (
	GuestOK                GuestCode = 0
	GuestPermissionDenied  GuestCode = 1
	GuestInvalidArgument   GuestCode = 2
	GuestDisabled          GuestCode = 3
	GuestFetchError        GuestCode = 4
	GuestTimeout           GuestCode = 5
	GuestInternal          GuestCode = 6
)

// ToGuestCode maps a Kind to the stable integer the guest sees.
func ToGuestCode(kind Kind) GuestCode {
	switch kind {
	case KindPermissionDenied:
		return GuestPermissionDenied
	case KindConfig, KindManifest:
		return GuestInvalidArgument
	case KindTimeout:
		return GuestTimeout
	default:
		return GuestInternal
	}
}
