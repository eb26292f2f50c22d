package app

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-backend/internal/observability"
)

func wireRouter(intake *IntakeHandler, health *HealthHandler, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(tracingMiddleware(serviceName))
	r.Use(corsMiddleware())
	r.Use(metricsMiddleware(observability.Current()))

	r.GET("/healthz", health.Healthz)
	if observability.Enabled() {
		r.GET("/metrics", func(c *gin.Context) {
			observability.Current().WriteHTTP(c.Writer, c.Request)
		})
	}

	r.POST("/generate_ai_caption", intake.GenerateAICaption)

	return r
}
