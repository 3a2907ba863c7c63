package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/backend/pkg/canvas"
	"github.com/loomworks/loom/backend/pkg/formate"
	"github.com/loomworks/loom/backend/pkg/logger"
)

// ResyncCanvasHandler returns the full canvas in wire form. Lagged
// stream sessions call this to replace their local state wholesale.
func ResyncCanvasHandler(c echo.Context) error {
	type resyncResponse struct {
		Version int64  `json:"version"`
		State   string `json:"state"`
	}

	cv, release, err := acquireCanvas(c)
	if err != nil {
		logger.Error("Failed to load canvas", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	defer release()

	nodes, edges, version := cv.Serialize(canvas.ViewFilter{})
	return c.JSON(http.StatusOK, resyncResponse{
		Version: version,
		State:   formate.SerializeState(nodes, edges),
	})
}
