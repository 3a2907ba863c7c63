package server

import (
	"github.com/loomworks/loom/backend/internal/server/middleware"
	"github.com/loomworks/loom/backend/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Canvas routes
	canvases := apiRoutes.Group("/canvases/:workspace/:root")
	canvases.GET("", routes.GetCanvasHandler, middleware.RequirePermission("canvas.view"))
	canvases.GET("/stream", routes.StreamCanvasHandler, middleware.RequirePermission("canvas.view"))
	canvases.GET("/resync", routes.ResyncCanvasHandler, middleware.RequirePermission("canvas.view"))
	canvases.GET("/similar", routes.GetSimilarNodesHandler, middleware.RequirePermission("canvas.view"))
	canvases.POST("/edit", routes.EditCanvasHandler, middleware.RequirePermission("canvas.edit"))
	canvases.POST("/batch", routes.ExecuteBatchHandler, middleware.RequirePermission("canvas.edit"))
	canvases.POST("/agent", routes.AgentBatchHandler, middleware.RequirePermission("canvas.edit"))
	canvases.POST("/import", routes.ImportCanvasHandler, middleware.RequirePermission("canvas.import"))
	canvases.POST("/archive", routes.ArchiveCanvasHandler, middleware.RequirePermission("canvas.archive"))
}
