package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"shipmatch/internal/handler"
	"shipmatch/internal/middleware"
)

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	MatchHandler    *handler.MatchHandler
	LocationHandler *handler.LocationHandler
	DisputeHandler  *handler.DisputeHandler
	Verifier        *middleware.TokenVerifier
	// ReportLimiter throttles carrier location reports per caller.
	ReportLimiter *middleware.RateLimiter
	RedisClient   *redis.Client
	NewRelicApp   *newrelic.Application
}

// NewRouter creates a new Gin router with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	// Global middleware.
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.MetricsMiddleware())

	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.Verifier))
	v1.Use(middleware.NewRelicAttributes())
	v1.Use(middleware.IdempotencyMiddleware(deps.RedisClient))
	{
		matches := v1.Group("/matches")
		{
			matches.POST("", deps.MatchHandler.CreateMatch)
			matches.GET("", deps.MatchHandler.ListMatches)
			matches.GET("/:id", deps.MatchHandler.GetMatch)
			matches.POST("/:id/capture", deps.MatchHandler.CapturePayment)
			matches.POST("/:id/cancel", deps.MatchHandler.CancelMatch)
			matches.POST("/:id/location-permission", deps.MatchHandler.GrantLocationPermission)
			matches.POST("/:id/pickup", deps.MatchHandler.ConfirmPickup)
			matches.POST("/:id/deliver", deps.MatchHandler.MarkDelivered)
			matches.POST("/:id/confirm", deps.MatchHandler.ConfirmDelivery)
			matches.POST("/:id/rate", deps.MatchHandler.MarkRated)
			matches.POST("/:id/payout", deps.MatchHandler.ExecutePayout)

			report := []gin.HandlerFunc{deps.LocationHandler.ReportLocation}
			if deps.ReportLimiter != nil {
				report = append([]gin.HandlerFunc{middleware.RateLimitMiddleware(deps.ReportLimiter)}, report...)
			}
			matches.POST("/:id/location", report...)
			matches.GET("/:id/location", deps.LocationHandler.GetRoute)
			matches.GET("/:id/location/watch", deps.LocationHandler.Watch)

			matches.POST("/:id/dispute", deps.DisputeHandler.OpenDispute)
		}

		disputes := v1.Group("/disputes")
		{
			disputes.GET("/:id", deps.DisputeHandler.GetDispute)
			disputes.POST("/:id/notes", deps.DisputeHandler.AddNote)
			disputes.POST("/:id/review", deps.DisputeHandler.StartReview)
			disputes.POST("/:id/resolve", deps.DisputeHandler.Resolve)
		}

		carriers := v1.Group("/carriers")
		{
			carriers.POST("/me/payout-method", deps.MatchHandler.RegisterPayoutMethod)
		}
	}

	return router
}
