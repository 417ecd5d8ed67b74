package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/rawblock/trace-engine/internal/heuristics"
	"github.com/rawblock/trace-engine/pkg/models"
)

// TraceService is the trace engine as seen by the transport layer.
type TraceService interface {
	Trace(ctx context.Context, req models.TraceRequest) (models.TraceResult, error)
	RecentResults(limit int) []models.TraceResult
}

// Pinger reports the health of an optional backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the transport settings.
type Config struct {
	AllowedOrigins  string // Comma separated; empty or "*" allows any origin
	AuthToken       string // Empty disables auth (development mode)
	RateLimitPerMin int
	RateLimitBurst  int
}

// Deps are the components the router serves.
type Deps struct {
	Tracer  TraceService
	Labels  heuristics.LabelStore
	DB      Pinger // Optional
	Chains  func() []models.Chain
	Hub     *Hub         // Optional
	Metrics http.Handler // Optional, served at /metrics
}

type APIHandler struct {
	tracer TraceService
	labels heuristics.LabelStore
	db     Pinger
	chains func() []models.Chain
}

var registerValidators sync.Once

// SetupRouter builds the engine. The returned stop func releases the rate
// limiter's cleanup goroutine and must be called once the router is retired.
func SetupRouter(cfg Config, deps Deps) (*gin.Engine, func()) {
	registerValidators.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("chain", validateChain)
			_ = v.RegisterValidation("role", validateRole)
		}
	})

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())

	// Enable CORS, configurable via ALLOWED_ORIGINS
	// Production: ALLOWED_ORIGINS=https://trace.example.com
	// Development: leave empty for *
	allowedOrigins := cfg.AllowedOrigins
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			// Check if the request origin is in the allowed list
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	handler := &APIHandler{tracer: deps.Tracer, labels: deps.Labels, db: deps.DB, chains: deps.Chains}
	limiter := NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst)
	auth := AuthMiddleware(cfg.AuthToken)

	api := r.Group("/api/v1")
	{
		api.GET("/health", handler.handleHealth)
		api.POST("/trace", limiter.Middleware(), handler.handleTrace)
		api.GET("/trace/history", handler.handleTraceHistory)

		api.GET("/labels", handler.handleListLabels)
		api.GET("/labels/:address", handler.handleGetLabel)
		api.POST("/labels", auth, handler.handleTagAddress)
		api.DELETE("/labels/:address", auth, handler.handleDeleteLabel)

		if deps.Hub != nil {
			api.GET("/stream", deps.Hub.Subscribe)
		}
	}

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return r, limiter.Stop
}

// handleHealth returns engine status and configured chains for service discovery
func (h *APIHandler) handleHealth(c *gin.Context) {
	dbConnected := h.db != nil && h.db.Ping(c.Request.Context()) == nil

	chains := []models.Chain{}
	if h.chains != nil {
		chains = append(chains, h.chains()...)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"engine":      "Trace Engine v1.0",
		"chains":      chains,
		"dbConnected": dbConnected,
	})
}

func validateChain(fl validator.FieldLevel) bool {
	_, ok := models.ParseChain(fl.Field().String())
	return ok
}

func validateRole(fl validator.FieldLevel) bool {
	return heuristics.IsKnownRole(fl.Field().String())
}
