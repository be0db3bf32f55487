package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) RegisterRoutes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	corsConfig := cors.Config{
		AllowOrigins:     s.allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(s.allowedOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	r.Use(cors.New(corsConfig))

	r.GET("/health", s.healthHandler)

	api := r.Group("/api")
	{
		orders := api.Group("/orders")
		{
			orders.POST("/quote", s.quoteHandler)
			orders.POST("", s.placeOrderHandler)
			orders.GET("/:id", s.getOrderHandler)
			orders.POST("/:id/payment-session", s.startSessionHandler)
		}

		payments := api.Group("/payments")
		{
			payments.GET("/confirm", s.confirmHandler)
			payments.POST("/confirm", s.confirmHandler)
			payments.GET("/:token/status", s.sessionStatusHandler)
		}

		api.POST("/simulation/:token/outcome", s.simulationOutcomeHandler)
	}

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
