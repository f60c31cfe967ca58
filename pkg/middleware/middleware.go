package middleware

import (
	goerrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

// RequestID makes sure every request and response carries an X-Request-ID.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.New().String()
				c.Request().Header.Set(echo.HeaderXRequestID, id)
			}
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			return next(c)
		}
	}
}

func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			res := c.Response()
			start := time.Now()
			if err = next(c); err != nil {
				c.Error(err)
			}

			fields := map[string]any{
				"request_id":    req.Header.Get(echo.HeaderXRequestID),
				"method":        req.Method,
				"uri":           req.RequestURI,
				"status":        res.Status,
				"route":         c.Path(),
				"remote_ip":     c.RealIP(),
				"user_agent":    req.UserAgent(),
				"response_time": time.Since(start),
				"response_size": strconv.FormatInt(res.Size, 10),
			}

			log := logger.WithContext(req.Context()).WithFields(fields)
			// health checks and scrapes are frequent
			if res.Status < http.StatusBadRequest {
				log.Debug("Request")
			} else {
				log.Info("Request")
			}
			return nil
		}
	}
}

type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := http.StatusText(code)
		var meta map[string]any

		var he *echo.HTTPError
		var typed *dcerrors.Error
		switch {
		case goerrors.As(err, &he):
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		case goerrors.As(err, &typed):
			httpErr := typed.ToHTTPError()
			code = httperror.GetStatusCode(httpErr)
			message = httpErr.Error()
			meta = httpErr.Meta
		case httperror.IsHTTPError(err):
			httpErr := httperror.ToHTTPError(err)
			code = httperror.GetStatusCode(err)
			message = httpErr.Error()
			meta = httpErr.Meta
		}

		if code >= http.StatusInternalServerError {
			logger.WithContext(ctx).WithError(err).Error("api is returning an error")
		}

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: c.Request().Header.Get(echo.HeaderXRequestID),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}
