package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"syllacal/internal/config"
	"syllacal/internal/gcal"
	appLog "syllacal/internal/log"
	"syllacal/internal/model"
	"syllacal/internal/pipeline"
)

// Server exposes the export pipeline over HTTP.
type Server struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	app      *fiber.App
}

// NewServer wires middleware and routes.
func NewServer(cfg *config.Config, p *pipeline.Pipeline) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if p == nil {
		p = pipeline.New(cfg)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          2 * time.Minute,
		ErrorHandler:          handleFiberError,
	})
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{Format: "${time} | ${status} | ${latency} | ${method} ${path}\n"}))
	app.Use(cors.New())
	app.Use(limiter.New(limiter.Config{
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/health"
		},
		Max:        30,
		Expiration: time.Minute,
		LimitReached: func(c *fiber.Ctx) error {
			return writeError(c, fiber.StatusTooManyRequests, "too many requests")
		},
	}))

	s := &Server{cfg: cfg, pipeline: p, app: app}
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+cfg.Listen)
		app.Use(s.basicAuth())
	}
	s.registerRoutes()
	return s
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuth protects every route except /health.
func (s *Server) basicAuth() fiber.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password
	return basicauth.New(basicauth.Config{
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/health"
		},
		Realm: "syllacal",
		Authorizer: func(u, p string) bool {
			return secureCompare(u, username) && secureCompare(p, password)
		},
		Unauthorized: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="syllacal", charset="UTF-8"`)
			return writeError(c, fiber.StatusUnauthorized, "unauthorized")
		},
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run listens on cfg.Listen until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := s.app.ShutdownWithTimeout(10 * time.Second); err != nil {
			appLog.Error("HTTP shutdown failed", err)
		}
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
	return s.app.Listen(s.cfg.Listen)
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleHealth)

	api := s.app.Group("/api")
	api.Post("/events/normalize", s.handleNormalize)
	api.Post("/export/ics", s.handleExportICS)
	api.Post("/export/google", s.handleExportGoogle)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	return c.SendString("OK")
}

// Events arrive as loose JSON objects; model.FromMaps tolerates numbers,
// booleans and nulls where strings are expected.
type normalizeRequest struct {
	Events   []map[string]any `json:"events"`
	TimeZone string           `json:"timeZone"`
}

type icsRequest struct {
	Events    []map[string]any `json:"events"`
	ClassName string           `json:"className"`
	TimeZone  string           `json:"timeZone"`
}

type googleRequest struct {
	Events       []map[string]any `json:"events"`
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
	ColorID      string           `json:"colorId"`
	TimeZone     string           `json:"timeZone"`
	CalendarID   string           `json:"calendarId"`
}

func (s *Server) handleNormalize(c *fiber.Ctx) error {
	var req normalizeRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid request body")
	}

	res, err := s.pipeline.Preview(model.FromMaps(req.Events), req.TimeZone)
	if err != nil {
		return writeExportError(c, "normalize", err)
	}
	return c.JSON(res)
}

func (s *Server) handleExportICS(c *fiber.Ctx) error {
	var req icsRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid request body")
	}

	file, err := s.pipeline.ExportICS(pipeline.ICSRequest{
		Events:     model.FromMaps(req.Events),
		CourseName: req.ClassName,
		TimeZone:   req.TimeZone,
	})
	if err != nil {
		return writeExportError(c, "ics export", err)
	}

	c.Attachment(file.Filename)
	c.Set(fiber.HeaderContentType, "text/calendar; charset=utf-8")
	return c.Send(file.Data)
}

func (s *Server) handleExportGoogle(c *fiber.Ctx) error {
	var req googleRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid request body")
	}

	res, err := s.pipeline.ExportGoogle(c.UserContext(), pipeline.GoogleRequest{
		Events:       model.FromMaps(req.Events),
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ColorID:      req.ColorID,
		TimeZone:     req.TimeZone,
		CalendarID:   req.CalendarID,
	})
	if err != nil {
		return writeExportError(c, "google export", err)
	}
	return c.JSON(res)
}

// writeExportError maps pipeline errors onto status codes. Input errors are
// 400, an expired authorization is 401 and anything else is 500.
func writeExportError(c *fiber.Ctx, op string, err error) error {
	switch {
	case errors.Is(err, pipeline.ErrNoEvents),
		errors.Is(err, pipeline.ErrInvalidTimeZone),
		errors.Is(err, gcal.ErrMissingToken),
		errors.Is(err, gcal.ErrMissingTimeZone):
		return writeError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, gcal.ErrAuthExpired):
		appLog.Info(op+": authorization expired", "reason", err.Error())
		return c.Status(fiber.StatusUnauthorized).JSON(authErrorResponse{
			Error:     "Google authorization expired, please sign in again",
			AuthError: true,
		})
	default:
		appLog.Error(op+" failed", err)
		return writeError(c, fiber.StatusInternalServerError, "failed to export events")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type authErrorResponse struct {
	Error     string `json:"error"`
	AuthError bool   `json:"authError"`
}

func writeError(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(errorResponse{Error: msg})
}

// handleFiberError renders router and middleware errors in the API's error
// shape.
func handleFiberError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	msg := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
		msg = fe.Message
	} else {
		appLog.Error("unhandled request error", err, "path", c.Path())
	}
	return writeError(c, status, msg)
}
