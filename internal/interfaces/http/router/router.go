// Package router assembles the gin engine: the middleware chain, the
// versioned API group and the OAuth redirect routes.
package router

import (
	"net/http"

	"github.com/erp/invoicesync/internal/infrastructure/logger"
	"github.com/erp/invoicesync/internal/interfaces/http/dto"
	"github.com/erp/invoicesync/internal/interfaces/http/handler"
	"github.com/erp/invoicesync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router manages HTTP route registration
type Router struct {
	engine     *gin.Engine
	apiVersion string
	middleware []gin.HandlerFunc
	registrars []RouteRegistrar
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix (e.g., "v1", "v2")
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// NewRouter creates a new Router instance
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{
		engine:     engine,
		apiVersion: "v1",
		registrars: make([]RouteRegistrar, 0),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Use adds middleware applied to the versioned API group only
func (r *Router) Use(middleware ...gin.HandlerFunc) *Router {
	r.middleware = append(r.middleware, middleware...)
	return r
}

// Register adds a RouteRegistrar to be registered later
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Setup registers all routes with the engine
func (r *Router) Setup() {
	api := r.engine.Group("/api/" + r.apiVersion)
	if len(r.middleware) > 0 {
		api.Use(r.middleware...)
	}

	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}

// DomainGroup creates a route group for a specific domain
type DomainGroup struct {
	name       string
	prefix     string
	routes     []routeDefinition
	subgroups  []*DomainGroup
	middleware []gin.HandlerFunc
}

type routeDefinition struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

// NewDomainGroup creates a new domain-specific route group
func NewDomainGroup(name, prefix string) *DomainGroup {
	return &DomainGroup{
		name:       name,
		prefix:     prefix,
		routes:     make([]routeDefinition, 0),
		subgroups:  make([]*DomainGroup, 0),
		middleware: make([]gin.HandlerFunc, 0),
	}
}

// Use adds middleware to this group
func (dg *DomainGroup) Use(middleware ...gin.HandlerFunc) *DomainGroup {
	dg.middleware = append(dg.middleware, middleware...)
	return dg
}

// GET registers a GET route
func (dg *DomainGroup) GET(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodGet, path, handlers)
}

// POST registers a POST route
func (dg *DomainGroup) POST(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodPost, path, handlers)
}

// DELETE registers a DELETE route
func (dg *DomainGroup) DELETE(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodDelete, path, handlers)
}

func (dg *DomainGroup) handle(method, path string, handlers []gin.HandlerFunc) *DomainGroup {
	dg.routes = append(dg.routes, routeDefinition{
		method:   method,
		path:     path,
		handlers: handlers,
	})
	return dg
}

// Group creates a sub-group within this domain
func (dg *DomainGroup) Group(name, prefix string) *DomainGroup {
	subgroup := NewDomainGroup(name, prefix)
	dg.subgroups = append(dg.subgroups, subgroup)
	return subgroup
}

// RegisterRoutes implements RouteRegistrar interface
func (dg *DomainGroup) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group(dg.prefix)
	if len(dg.middleware) > 0 {
		group.Use(dg.middleware...)
	}

	for _, route := range dg.routes {
		group.Handle(route.method, route.path, route.handlers...)
	}

	for _, subgroup := range dg.subgroups {
		subgroup.RegisterRoutes(group)
	}
}

// Name returns the group name
func (dg *DomainGroup) Name() string {
	return dg.name
}

// Prefix returns the group prefix
func (dg *DomainGroup) Prefix() string {
	return dg.prefix
}

// ---------------------------------------------------------------------------
// Engine assembly
// ---------------------------------------------------------------------------

// EngineConfig holds the settings the middleware chain is built from
type EngineConfig struct {
	APIKey         string
	MaxBodySize    int64
	TrustedProxies []string
	// RateLimiter is applied to every route when non-nil
	RateLimiter *middleware.RateLimiter
	Tracing     middleware.TracingConfig
	// Meter records HTTP server metrics; nil disables them
	Meter metric.Meter
}

// Handlers groups the endpoint handlers served by the engine
type Handlers struct {
	Invoices       *handler.InvoiceHandler
	Reconciliation *handler.ReconciliationHandler
	OAuth          *handler.OAuthHandler
	System         *handler.SystemHandler
}

// NewEngine builds the gin engine with the full middleware chain and every
// route registered. Order matters: the request id is assigned first so
// that the logger, the recovery handler and the spans all carry it.
func NewEngine(cfg EngineConfig, h Handlers, log *zap.Logger) *gin.Engine {
	middleware.SetupValidator()

	engine := gin.New()
	// CRM instance keys are URLs and arrive percent-encoded in a path segment
	engine.UseRawPath = true
	engine.UnescapePathValues = true

	if len(cfg.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.AccessLog(log))
	engine.Use(middleware.Secure())
	engine.Use(middleware.Tracing(cfg.Tracing)...)
	engine.Use(middleware.HTTPMetrics(cfg.Meter))
	if cfg.MaxBodySize > 0 {
		engine.Use(middleware.BodyLimit(cfg.MaxBodySize))
	}
	if cfg.RateLimiter != nil {
		engine.Use(middleware.RateLimit(cfg.RateLimiter))
	}

	engine.GET("/health", h.System.Health)

	authRoutes := NewDomainGroup("auth", "/auth")
	authRoutes.GET("/status", h.OAuth.Status)
	authRoutes.GET("/:service/authorize", h.OAuth.Authorize)
	authRoutes.GET("/:service/callback", h.OAuth.Callback)
	authRoutes.DELETE("/:service/:instance", h.OAuth.Revoke)
	authRoutes.RegisterRoutes(&engine.RouterGroup)

	r := NewRouter(engine, WithAPIVersion("v1"))
	r.Use(middleware.APIKeyAuth(cfg.APIKey))

	invoiceRoutes := NewDomainGroup("invoices", "/invoices")
	invoiceRoutes.POST("", h.Invoices.CreateInvoice)
	r.Register(invoiceRoutes)

	linkRoutes := NewDomainGroup("sync-links", "/sync-links")
	linkRoutes.GET("/:sourceRecordId", h.Invoices.GetSyncLink)
	r.Register(linkRoutes)

	reconciliationRoutes := NewDomainGroup("reconciliation", "/reconciliation")
	reconciliationRoutes.POST("/run", h.Reconciliation.Run)
	reconciliationRoutes.GET("/runs", h.Reconciliation.ListRuns)
	reconciliationRoutes.GET("/scheduler", h.Reconciliation.SchedulerStatus)
	r.Register(reconciliationRoutes)

	r.Setup()

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.NewErrorResponseWithRequestID(
			dto.ErrCodeRouteNotFound,
			"Route not found",
			middleware.GetRequestID(c),
		))
	})

	return engine
}
