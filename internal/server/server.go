package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lapso-labs/lapso-coordinator/internal/barkclient"
	"github.com/lapso-labs/lapso-coordinator/internal/config"
	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/service"
)

// FingerprintHeader carries the agent's device-bound secret.
const FingerprintHeader = "X-Device-Fingerprint"

const ownerKey = "owner"

// Server wires HTTP handlers.
type Server struct {
	app        *fiber.App
	telemetry  *service.TelemetryService
	commands   *service.CommandService
	geofences  *service.GeofenceService
	authSvc    *service.AuthService
	barkClient *barkclient.Client
	cfg        *config.Config
	logger     *slog.Logger
}

// New builds a server instance. barkClient may be nil.
func New(cfg *config.Config, telemetry *service.TelemetryService, commands *service.CommandService, geofences *service.GeofenceService, authSvc *service.AuthService, barkClient *barkclient.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	app := fiber.New(fiber.Config{
		IdleTimeout:           cfg.HTTP.ReadTimeout,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		ProxyHeader:           cfg.HTTP.ProxyHeader,
		AppName:               "lapso-coordinator",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	s := &Server{
		app:        app,
		telemetry:  telemetry,
		commands:   commands,
		geofences:  geofences,
		authSvc:    authSvc,
		barkClient: barkClient,
		cfg:        cfg,
		logger:     logger,
	}
	s.registerRoutes()
	return s
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens and serves HTTP traffic.
func (s *Server) Start() error {
	return s.app.Listen(s.cfg.HTTP.Addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	s.app.Post("/auth/login", s.handleLogin)
	s.app.Get("/auth/profile", s.handleProfile)

	// Agent endpoints authenticate through the ownership guard.
	agent := s.app.Group("/api/agent")
	agent.Post("/telemetry", s.handleTelemetry)
	agent.Get("/commands", s.handlePoll)
	agent.Post("/commands/:id/result", s.handleResult)

	api := s.app.Group("/api", s.requireAuth)
	api.Post("/commands", s.handleEnqueue)
	api.Get("/commands/:id", s.handleGetCommand)

	api.Get("/status", s.handleStatus)
	api.Get("/devices", s.handleListDevices)
	api.Get("/devices/:id", s.handleGetDevice)
	api.Get("/devices/:id/commands", s.handleHistory)
	api.Get("/devices/:id/geofence-status", s.handleGeofenceStatus)

	api.Post("/geofences", s.handleCreateGeofence)
	api.Get("/geofences", s.handleListGeofences)
	api.Get("/geofences/:id", s.handleGetGeofence)
	api.Put("/geofences/:id", s.handleUpdateGeofence)
	api.Delete("/geofences/:id", s.handleDeleteGeofence)
	api.Post("/geofences/:id/toggle", s.handleToggleGeofence)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{"status": "ok"}
	if s.barkClient != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()
		if _, err := s.barkClient.Ping(ctx); err != nil {
			resp["bark"] = fiber.Map{"status": "degraded", "error": err.Error()}
		} else {
			resp["bark"] = fiber.Map{"status": "up"}
		}
	}
	return c.Status(http.StatusOK).JSON(resp)
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.ErrorWithCode(model.ValidationCode, "malformed request body"))
	}
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.JSON(model.Success("authentication disabled", fiber.Map{
			"token":   "",
			"enabled": false,
		}))
	}
	token, err := s.authSvc.Authenticate(req.Username, req.Password)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.ErrorWithCode(model.UnauthorizedCode, "invalid username or password"))
	}
	return c.JSON(model.Success("login succeeded", fiber.Map{
		"token":    token,
		"enabled":  true,
		"username": strings.ToLower(strings.TrimSpace(req.Username)),
	}))
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.JSON(model.Success("ok", fiber.Map{
			"enabled":  false,
			"username": service.AnonymousOwner,
		}))
	}
	token := extractBearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.ErrorWithCode(model.UnauthorizedCode, "not logged in"))
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.ErrorWithCode(model.UnauthorizedCode, "session expired"))
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"enabled":  true,
		"username": claims.Username,
	}))
}

// requireAuth resolves the acting owner. With auth disabled the owner is
// taken from the ownerId query parameter.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	if s.authSvc == nil || !s.authSvc.Enabled() {
		owner := strings.TrimSpace(c.Query("ownerId"))
		if owner == "" {
			return c.Status(http.StatusUnauthorized).JSON(model.ErrorWithCode(model.UnauthorizedCode, "ownerId is required"))
		}
		c.Locals(ownerKey, owner)
		return c.Next()
	}
	token := extractBearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.ErrorWithCode(model.UnauthorizedCode, "not logged in"))
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.ErrorWithCode(model.UnauthorizedCode, "session expired"))
	}
	c.Locals(ownerKey, claims.Username)
	return c.Next()
}

func owner(c *fiber.Ctx) string {
	v, _ := c.Locals(ownerKey).(string)
	return v
}

// respond maps service errors onto HTTP status codes and envelope codes.
// Ownership failures always read the same regardless of which check
// failed.
func (s *Server) respond(c *fiber.Ctx, err error) error {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.Status(http.StatusBadRequest).JSON(model.ErrorWithCode(model.ValidationCode, verr.Error()))
	case errors.Is(err, service.ErrUnauthorized):
		return c.Status(http.StatusUnauthorized).JSON(model.ErrorWithCode(model.UnauthorizedCode, "unauthorized"))
	case errors.Is(err, service.ErrRateLimited), errors.Is(err, service.ErrSuspiciousActivity):
		c.Set(fiber.HeaderRetryAfter, "60")
		return c.Status(http.StatusTooManyRequests).JSON(model.ErrorWithCode(model.RateLimitedCode, err.Error()))
	case errors.Is(err, service.ErrUnknownDevice),
		errors.Is(err, service.ErrCommandNotFound),
		errors.Is(err, service.ErrGeofenceNotFound):
		return c.Status(http.StatusNotFound).JSON(model.ErrorWithCode(model.NotFoundCode, err.Error()))
	}
	s.logger.Error("request failed",
		"method", c.Method(),
		"path", c.Path(),
		"error", err,
	)
	return c.Status(http.StatusInternalServerError).JSON(model.Error("internal error"))
}

func badBody(c *fiber.Ctx) error {
	return c.Status(http.StatusBadRequest).JSON(model.ErrorWithCode(model.ValidationCode, "malformed request body"))
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func fingerprint(c *fiber.Ctx, fromBody string) string {
	if fp := strings.TrimSpace(c.Get(FingerprintHeader)); fp != "" {
		return fp
	}
	return fromBody
}
