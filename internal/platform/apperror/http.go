package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Response is the JSON error body.
type Response struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// HTTPErrorHandler renders application and echo errors as Response. Server
// errors are logged with the request id; their internals never reach the
// client.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := render(err)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("write error response")
		}
	}
}

func render(err error) (int, Response) {
	var ae *Error
	if errors.As(err, &ae) {
		status := ae.Status()
		msg := ae.Message
		if status >= http.StatusInternalServerError && ae.Kind == KindInternal {
			msg = "internal server error"
		}
		return status, Response{Message: msg, Error: string(ae.Kind)}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprintf("%v", he.Message)
		if he.Internal != nil && he.Code >= http.StatusInternalServerError {
			msg = http.StatusText(he.Code)
		}
		return he.Code, Response{Message: msg, Error: httpErrorCode(he.Code)}
	}

	return http.StatusInternalServerError, Response{
		Message: "internal server error",
		Error:   string(KindInternal),
	}
}

func httpErrorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(KindValidation)
	case http.StatusNotFound:
		return string(KindNotFound)
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	}
	if status >= http.StatusInternalServerError {
		return string(KindInternal)
	}
	return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
}
