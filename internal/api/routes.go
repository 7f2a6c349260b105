// Package api wires the read-only ops server routes.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-quant/internal/api/handlers"
)

// Dependencies feed the route handlers. Nil readers leave their routes
// unregistered.
type Dependencies struct {
	DB         handlers.HealthChecker
	Redis      handlers.HealthChecker
	Resources  handlers.ResourceReporter
	Metrics    http.Handler
	Governance *handlers.GovernanceHandler
	Models     *handlers.ModelHandler
	Version    string
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	health := handlers.NewHealthHandler(deps.DB, deps.Redis, deps.Resources, deps.Version)
	router.GET("/health", health.HealthCheck)
	router.GET("/live", health.LivenessCheck)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := router.Group("/api/v1")
	{
		if deps.Governance != nil {
			gov := v1.Group("/governance")
			{
				gov.GET("", deps.Governance.List)
				gov.GET("/:mode", deps.Governance.GetMode)
			}
		}

		if deps.Models != nil {
			v1.GET("/models/:mode/active", deps.Models.GetActive)
		}
	}
}
