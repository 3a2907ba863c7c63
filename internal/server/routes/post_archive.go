package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/backend/internal/server/middleware"
	"github.com/loomworks/loom/backend/internal/storage"
	"github.com/loomworks/loom/backend/pkg/canvas"
	"github.com/loomworks/loom/backend/pkg/formate"
	"github.com/loomworks/loom/backend/pkg/logger"
)

// ArchiveCanvasHandler uploads a full snapshot of the current state to
// object storage, keyed by version.
func ArchiveCanvasHandler(c echo.Context) error {
	type archiveResponse struct {
		Key     string `json:"key"`
		Version int64  `json:"version"`
	}

	app := c.(*middleware.AppContext).App
	if app.S3 == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Snapshot archive is not configured"})
	}

	cv, release, err := acquireCanvas(c)
	if err != nil {
		logger.Error("Failed to load canvas", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	defer release()

	nodes, edges, version := cv.Serialize(canvas.ViewFilter{})
	key, err := storage.PutSnapshot(c.Request().Context(), app.S3, cv.WorkspaceID, cv.RootID, version, formate.SerializeState(nodes, edges))
	if err != nil {
		logger.Error("Snapshot archive failed", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, archiveResponse{Key: key, Version: version})
}
