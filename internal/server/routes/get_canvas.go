package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/backend/pkg/common"
	"github.com/loomworks/loom/backend/pkg/formate"
	"github.com/loomworks/loom/backend/pkg/logger"
)

// GetCanvasHandler returns the canvas state, optionally filtered by
// node kinds and relations, as structured JSON plus its wire form.
func GetCanvasHandler(c echo.Context) error {
	type getCanvasResponse struct {
		WorkspaceID string        `json:"workspace_id"`
		RootID      string        `json:"root_id"`
		Version     int64         `json:"version"`
		Nodes       []common.Node `json:"nodes"`
		Edges       []common.Edge `json:"edges"`
		State       string        `json:"state"`
	}

	filter, err := parseViewFilter(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	cv, release, err := acquireCanvas(c)
	if err != nil {
		logger.Error("Failed to load canvas", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	defer release()

	nodes, edges, version := cv.Serialize(filter)
	return c.JSON(http.StatusOK, getCanvasResponse{
		WorkspaceID: cv.WorkspaceID,
		RootID:      cv.RootID,
		Version:     version,
		Nodes:       nodes,
		Edges:       edges,
		State:       formate.SerializeState(nodes, edges),
	})
}
