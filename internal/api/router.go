package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/sqpsync/internal/api/handler"
	"github.com/timmy/sqpsync/internal/api/middleware"
	"github.com/timmy/sqpsync/internal/metrics"
	"github.com/timmy/sqpsync/internal/service"
	"github.com/timmy/sqpsync/internal/tenant"
	"gorm.io/gorm"
)

// SetupRouter configures the Gin router with all routes.
func SetupRouter(root *gorm.DB, router *tenant.Router, runner *service.Runner, mode string) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())

	healthHandler := handler.NewHealthHandler(root)
	runHandler := handler.NewRunHandler(runner)
	pipelineHandler := handler.NewPipelineHandler(router, runner)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1/tenants/:tenant")
	{
		// Runs
		v1.POST("/runs", runHandler.TriggerRun)
		v1.GET("/runs/status", runHandler.GetRunStatus)

		// Tracked state
		v1.GET("/downloads/processable", pipelineHandler.ListProcessable)
		v1.GET("/cron-jobs/:id", pipelineHandler.GetCronJob)

		// Sellers
		v1.POST("/sellers/:seller/cycles", pipelineHandler.CreateCycle)
		v1.GET("/sellers/:seller/asins", pipelineHandler.ListRollups)
	}

	return r
}
