// Package router provides HTTP routing, middleware configuration, and server setup for the web application
package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/handlers"
	"github.com/amirphl/Kusanagi/app/middleware"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	_ "github.com/amirphl/Kusanagi/docs"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/compress"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/helmet"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swaggo/swag"
	"go.uber.org/zap"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	GetApp() *fiber.App
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app              *fiber.App
	cfg              *config.ProductionConfig
	watchLinkHandler handlers.WatchLinkHandlerInterface
	opsHandler       handlers.OpsHandlerInterface
	authMiddleware   *middleware.AuthMiddleware
	healthChecks     map[string]HealthCheck
	logger           *zap.Logger
}

// NewFiberRouter creates a new Fiber router
func NewFiberRouter(
	cfg *config.ProductionConfig,
	watchLinkHandler handlers.WatchLinkHandlerInterface,
	opsHandler handlers.OpsHandlerInterface,
	authMiddleware *middleware.AuthMiddleware,
	healthChecks map[string]HealthCheck,
	log *zap.Logger,
) *FiberRouter {
	if log == nil {
		log = zap.NewNop()
	}
	r := &FiberRouter{
		cfg:              cfg,
		watchLinkHandler: watchLinkHandler,
		opsHandler:       opsHandler,
		authMiddleware:   authMiddleware,
		healthChecks:     healthChecks,
		logger:           log.Named("router"),
	}

	fiberCfg := fiber.Config{
		AppName:      "Kusanagi Watch-Link API",
		ServerHeader: "Kusanagi",
		ErrorHandler: r.errorHandler,
		BodyLimit:    cfg.Server.BodyLimit,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	}
	if cfg.Server.ProxyHeader != "" {
		fiberCfg.ProxyHeader = cfg.Server.ProxyHeader
		fiberCfg.TrustProxy = true
		fiberCfg.TrustProxyConfig = fiber.TrustProxyConfig{Proxies: cfg.Server.TrustedProxies}
	}
	r.app = fiber.New(fiberCfg)

	return r
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	r.setupMiddleware()

	api := r.app.Group("/api/v1")

	// Ambient routes, outside rate limiting
	api.Get("/health", r.healthCheck)
	api.Get("/swagger.json", r.serveSwaggerJSON)
	if r.cfg.Metrics.Enabled {
		r.app.Get(r.metricsPath(), adaptor.HTTPHandler(promhttp.Handler()))
	}

	api.Use(r.rateLimiter(r.cfg.Security.GlobalRateLimit))

	// Link creation is called by the SMS gateway with a service token
	link := api.Group("/link", r.authMiddleware.Authenticate(), r.authMiddleware.RequireScope(services.ScopeLinksCreate))
	link.Post("/create", r.watchLinkHandler.CreateLink)

	// Public phase calls made by the player page
	trackLimiter := r.rateLimiter(r.cfg.Security.TrackRateLimit)
	api.Get("/video/:token", trackLimiter, r.watchLinkHandler.FetchVideo)
	api.Post("/video/:token", trackLimiter, r.watchLinkHandler.FetchVideo)
	api.Post("/track/start", trackLimiter, r.watchLinkHandler.TrackStart)
	api.Post("/track/complete", trackLimiter, r.watchLinkHandler.TrackComplete)

	ops := api.Group("/ops", r.authMiddleware.Authenticate(), r.authMiddleware.RequireScope(services.ScopeOps))
	ops.Get("/sessions/:token", r.opsHandler.InspectSession)
	ops.Post("/settlements/:token/retry", r.opsHandler.RetrySettlement)
	ops.Get("/fraud/export", r.opsHandler.ExportFraudReport)

	r.app.Use(r.notFoundHandler)

	r.logger.Info("routes configured")
}

func (r *FiberRouter) metricsPath() string {
	if r.cfg.Metrics.Path != "" {
		return r.cfg.Metrics.Path
	}
	return "/metrics"
}

// setupMiddleware configures global middleware
func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header:    "X-Request-ID",
		Generator: uuid.NewString,
	}))

	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			r.logger.Error("panic recovered",
				zap.Any("request_id", c.Locals("requestid")),
				zap.Any("error", e),
				zap.String("path", c.Path()),
				zap.String("method", c.Method()),
				zap.String("ip", c.IP()))
		},
	}))

	if r.cfg.Server.EnableMetrics || r.cfg.Metrics.Enabled {
		r.app.Use(middleware.Metrics(r.metricsPath(), "/api/v1/health"))
	}

	r.app.Use(helmet.New(helmet.Config{
		XSSProtection:             "1; mode=block",
		ContentTypeNosniff:        "nosniff",
		XFrameOptions:             "DENY",
		HSTSMaxAge:                31536000,
		ContentSecurityPolicy:     "default-src 'self'; frame-ancestors 'none';",
		ReferrerPolicy:            "strict-origin-when-cross-origin",
		CrossOriginResourcePolicy: "cross-origin",
		XDNSPrefetchControl:       "off",
		XDownloadOptions:          "noopen",
		XPermittedCrossDomain:     "none",
	}))

	allowedHeaders := r.cfg.Security.AllowedHeaders
	if len(allowedHeaders) == 0 {
		allowedHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", handlers.MetaHeader}
	}
	maxAge := r.cfg.Security.CORSMaxAge
	if maxAge <= 0 {
		maxAge = utils.CORSMaxAge
	}
	r.app.Use(cors.New(cors.Config{
		AllowOrigins:     r.cfg.Security.AllowedOrigins,
		AllowMethods:     r.cfg.Security.AllowedMethods,
		AllowHeaders:     allowedHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "Content-Disposition"},
		AllowCredentials: r.cfg.Security.AllowCredentials,
		MaxAge:           maxAge,
	}))

	if r.cfg.Server.EnableCompression {
		r.app.Use(compress.New(compress.Config{
			Level: compress.LevelBestSpeed,
			Next: func(c fiber.Ctx) bool {
				return strings.HasPrefix(c.Path(), "/api/v1/ops/fraud/export")
			},
		}))
	}

	if r.cfg.Logging.EnableAccessLog {
		r.app.Use(logger.New(logger.Config{
			Format:     `{"time":"${time}","request_id":"${locals:requestid}","level":"info","method":"${method}","path":"${path}","ip":"${ip}","user_agent":"${ua}","status":${status},"latency":"${latency}","bytes_in":${bytesReceived},"bytes_out":${bytesSent}}` + "\n",
			TimeFormat: time.RFC3339,
			TimeZone:   "UTC",
			Next: func(c fiber.Ctx) bool {
				return c.Path() == "/api/v1/health"
			},
		}))
	}
}

func (r *FiberRouter) rateLimiter(limit int) fiber.Handler {
	window := r.cfg.Security.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		return func(c fiber.Ctx) error { return c.Next() }
	}
	return limiter.New(limiter.Config{
		Max:        limit,
		Expiration: window,
		KeyGenerator: func(c fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(dto.APIResponse{
				Success: false,
				Message: "Too many requests. Please try again later.",
				Error:   dto.ErrorDetail{Code: "RATE_LIMIT_EXCEEDED"},
			})
		},
	})
}

// Start starts the HTTP server
func (r *FiberRouter) Start(address string) error {
	r.logger.Info("starting server", zap.String("address", address))
	return r.app.Listen(address)
}

// GetApp returns the Fiber app instance
func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

// healthCheck reports ok only when every dependency answers
func (r *FiberRouter) healthCheck(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	checks := fiber.Map{}
	healthy := true
	for name, check := range r.healthChecks {
		if err := check(ctx); err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	data := fiber.Map{
		"status":    "ok",
		"timestamp": utils.UTCNow().Unix(),
		"version":   r.cfg.Deployment.Version,
		"service":   "kusanagi-api",
		"checks":    checks,
	}
	if !healthy {
		data["status"] = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.APIResponse{
			Success: false,
			Message: "Service is degraded",
			Data:    data,
			Error:   dto.ErrorDetail{Code: "DEPENDENCY_UNAVAILABLE"},
		})
	}
	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "Service is healthy",
		Data:    data,
	})
}

// serveSwaggerJSON serves the registered OpenAPI document
func (r *FiberRouter) serveSwaggerJSON(c fiber.Ctx) error {
	doc, err := swag.ReadDoc()
	if err != nil {
		r.logger.Error("failed to read swagger doc", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.APIResponse{
			Success: false,
			Message: "Failed to load Swagger documentation",
			Error:   dto.ErrorDetail{Code: "SWAGGER_LOAD_ERROR"},
		})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.SendString(doc)
}

func (r *FiberRouter) notFoundHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "The requested resource was not found",
		Error: dto.ErrorDetail{
			Code: "NOT_FOUND",
			Details: fiber.Map{
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": c.Locals("requestid"),
			},
		},
	})
}

// errorHandler is the global fiber error handler
func (r *FiberRouter) errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "An internal server error occurred"
	errCode := "INTERNAL_ERROR"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		if code < fiber.StatusInternalServerError {
			message = e.Message
			errCode = "REQUEST_ERROR"
		}
	}

	if code >= fiber.StatusInternalServerError {
		r.logger.Error("request failed",
			zap.Int("status", code),
			zap.String("path", c.Path()),
			zap.Any("request_id", c.Locals("requestid")),
			zap.Error(err))
	}

	return c.Status(code).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code: errCode,
			Details: fiber.Map{
				"timestamp":  utils.UTCNow().Unix(),
				"request_id": c.Locals("requestid"),
			},
		},
	})
}
