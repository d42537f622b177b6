// Package httpapi wires the HTTP transport (Gin) to the campaign, credit and
// extension services. It owns the middleware chain: tracing, correlation
// IDs, caller identity, redacted access logs, panic recovery, metrics,
// compression, idempotency, per-class rate limiting, CORS and security
// headers.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/config"
	_ "github.com/tbourn/go-campaign-dispatch/internal/docs"
	"github.com/tbourn/go-campaign-dispatch/internal/http/handlers"
	"github.com/tbourn/go-campaign-dispatch/internal/http/middleware"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
)

// Services are the application services behind the routes.
type Services struct {
	Campaigns handlers.CampaignService
	Credits   handlers.CreditService
	Extension handlers.ExtensionService
}

var corsHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization",
	middleware.HeaderUserID, middleware.HeaderIdempotencyKey, middleware.HeaderInternalToken,
	"If-None-Match",
}

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID, then Identity (the logger and limiter key on the caller)
//  3. RedactingLogger: contact data never reaches the logs
//  4. Recovery
//  5. Body size limit
//  6. Metrics, gzip
//  7. Idempotency validator (before the limiter so replays bypass it)
//  8. Rate limiter, one bucket per traffic class and caller
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, svc Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID(), middleware.Identity())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderInternalToken},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200, Scope: middleware.CampaignCreateScope},
		func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, userID, scope, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	rl := middleware.NewRateLimiter(quotas(cfg.RateLimit), middleware.ClassifyByRoute(cfg.APIBasePath), middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// The extension runs on a browser origin; echo it when allowlisted.
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	apiBase := cfg.APIBasePath
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{joinPath(apiBase, "/credits"), joinPath(apiBase, "/extension"), joinPath(apiBase, "/internal")},
		EnablePolicy:    true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(svc.Campaigns, svc.Credits, svc.Extension,
		handlers.WithStore(db),
		handlers.WithIdempotencyTTL(cfg.IdempotencyTTL),
	)

	api := groupWithPrefix(r, apiBase)
	{
		api.POST("/campaigns", h.CreateCampaign)
		api.GET("/campaigns", h.ListCampaigns)
		api.GET("/campaigns/:id", h.GetCampaign)
		api.GET("/campaigns/:id/tasks", h.ListCampaignTasks)
		api.POST("/campaigns/:id/schedule", h.ScheduleCampaign)
		api.POST("/campaigns/:id/pause", h.PauseCampaign)
		api.POST("/campaigns/:id/resume", h.ResumeCampaign)
		api.DELETE("/campaigns/:id", h.DeleteCampaign)

		api.GET("/credits/:channel", h.GetBalance)
		api.GET("/credits/:channel/transactions", h.ListCreditTransactions)

		ext := api.Group("/extension")
		ext.POST("/heartbeat", h.ExtensionHeartbeat)
		ext.POST("/login", h.ExtensionLogin)
		ext.GET("/tasks", h.ExtensionPull)
		ext.POST("/ack", h.ExtensionAck)
		ext.GET("/config", h.ExtensionConfig)

		internal := api.Group("/internal", middleware.InternalToken(cfg.InternalToken))
		internal.POST("/credits/grant", h.GrantCredits)
	}
}

func quotas(rl config.RateLimitConfig) map[string]middleware.Quota {
	out := make(map[string]middleware.Quota)
	for class, b := range rl.Buckets() {
		out[class] = middleware.Quota{RPS: b.RPS, Burst: b.Burst}
	}
	return out
}

// limitBody caps the request body at maxBytes; larger bodies fail to read.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return base + p
}
