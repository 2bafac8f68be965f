package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/metrics"
)

// Handler registers routes on the server's echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

// Server is the shared HTTP host: request ids, recovery, health, metrics.
type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

// New builds a server and registers the given handlers.
func New(log *slog.Logger, addr string, handlers ...Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(CorrelationMiddleware())
	e.HTTPErrorHandler = errorHandler(log)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	metrics.Register(e)

	for _, handler := range handlers {
		if handler != nil {
			handler.Register(e)
		}
	}

	return &Server{echo: e, addr: addr, logger: log.With(slog.String("service", "http"))}
}

// Echo exposes the router for tests and late registration.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.addr))
	err := s.echo.Start(s.addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests up to the deadline in ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

const correlationHeader = "X-Request-ID"

// CorrelationMiddleware extracts or mints the request correlation id and
// echoes it on the response.
func CorrelationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(correlationHeader)
			if id == "" {
				id = uuid.NewString()
			}
			c.Set("correlation_id", id)
			c.Response().Header().Set(correlationHeader, id)
			return next(c)
		}
	}
}

// CorrelationID returns the request's correlation id.
func CorrelationID(c echo.Context) string {
	if id, ok := c.Get("correlation_id").(string); ok {
		return id
	}
	return ""
}

// ErrorBody is the structured error payload returned to admin callers.
type ErrorBody struct {
	ErrorCode     string `json:"error_code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// RespondError maps a classified error onto the wire format.
func RespondError(c echo.Context, err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return err
	}
	return c.JSON(faults.HTTPStatus(err), ErrorBody{
		ErrorCode:     faults.CodeOf(err),
		Message:       err.Error(),
		CorrelationID: CorrelationID(c),
	})
}

func errorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			c.JSON(httpErr.Code, ErrorBody{
				ErrorCode:     http.StatusText(httpErr.Code),
				Message:       httpErr.Error(),
				CorrelationID: CorrelationID(c),
			})
			return
		}
		log.Error("unhandled request error",
			slog.String("path", c.Request().URL.Path), slog.Any("error", err))
		c.JSON(faults.HTTPStatus(err), ErrorBody{
			ErrorCode:     faults.CodeOf(err),
			Message:       err.Error(),
			CorrelationID: CorrelationID(c),
		})
	}
}

// WaitForDrain blocks until deadline, giving in-flight work time to settle.
func WaitForDrain(ctx context.Context, drain time.Duration) {
	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
