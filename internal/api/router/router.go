package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/minhvtn/listsync-be/internal/api/handler"
)

// SetupRouter configures the Gin router. Job routes are registered when a
// RabbitMQ client is present (api-service); the relay endpoint is
// registered when a hub is present (the service executing relay steps).
func SetupRouter(deps *handler.Dependencies, jwtSecret string) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "listsync",
		})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(jwtSecret, deps.Logger))

	if deps.RabbitClient != nil {
		jobHandler := handler.NewJobHandler(deps)
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.SubmitJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}
	}

	if deps.RelayHub != nil {
		relayHandler := handler.NewRelayHandler(deps.RelayHub, deps.Logger)
		v1.GET("/relay", relayHandler.Connect)
	}

	return r
}
