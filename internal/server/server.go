package server

import (
	"context"
	"errors"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/paulexconde/csat/internal/services"
	"github.com/paulexconde/csat/pkg/fault"
)

type Config struct {
	AllowedOrigins string
	BodyLimit      int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Registry receives the HTTP request metrics and backs /metrics.
	Registry *prometheus.Registry

	// Languages resolves the ?lang= override on the survey view. Nil keeps
	// the stored language.
	Languages *services.Languages
}

// Server exposes the survey service over HTTP.
type Server struct {
	app       *fiber.App
	surveys   services.SurveyService
	languages *services.Languages
	log       logrus.FieldLogger
}

func New(surveys services.SurveyService, cfg Config, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.AllowedOrigins == "" {
		cfg.AllowedOrigins = "*"
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 64 * 1024
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}

	s := &Server{
		surveys:   surveys,
		languages: cfg.Languages,
		log:       log.WithField("component", "http"),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "csat",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	s.app.Use(recover.New())

	// Sits outside the request logger, which turns handler errors into the
	// final response before the status is recorded.
	if cfg.Registry != nil {
		prom := fiberprometheus.NewWithRegistry(cfg.Registry, "csat", "csat", "http", nil)
		s.app.Use(prom.Middleware)
	}
	s.app.Use(s.requestLogger)
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	if cfg.Registry != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)

	survey := s.app.Group("/survey")
	survey.Post("/create", s.createSurvey)
	survey.Get("/:token", s.viewSurvey)
	survey.Post("/:token/submit", s.submitSurvey)

	admin := s.app.Group("/admin")
	admin.Get("/deliveries", s.listDeliveries)
	admin.Post("/deliveries/:token/retry", s.retryDelivery)
	admin.Get("/stats", s.stats)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("http server listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()

	requestID := c.Get(fiber.HeaderXRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	c.Set(fiber.HeaderXRequestID, requestID)

	err := c.Next()
	if err != nil {
		// Let the error handler write the response so the status is final.
		if herr := s.handleError(c, err); herr != nil {
			return herr
		}
	}

	// The route pattern keeps tokens out of the log.
	s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     c.Method(),
		"route":      c.Route().Path,
		"status":     c.Response().StatusCode(),
		"latency":    time.Since(start).String(),
	}).Info("request")
	return nil
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status, message := statusFor(err)

	var fe *fiber.Error
	if errors.As(err, &fe) {
		status, message = fe.Code, fe.Message
	}

	if status >= fiber.StatusInternalServerError {
		s.log.WithError(err).WithField("status", status).Error("request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": message})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, fault.ErrNotFound):
		return fiber.StatusNotFound, fault.Message(err)
	case errors.Is(err, fault.ErrExpired):
		return fiber.StatusGone, fault.Message(err)
	case errors.Is(err, fault.ErrAlreadySubmitted):
		return fiber.StatusConflict, fault.Message(err)
	case errors.Is(err, fault.ErrValidation):
		return fiber.StatusBadRequest, fault.Message(err)
	case errors.Is(err, fault.ErrStoreBusy):
		return fiber.StatusServiceUnavailable, "service busy, try again"
	default:
		return fiber.StatusInternalServerError, "internal error"
	}
}
