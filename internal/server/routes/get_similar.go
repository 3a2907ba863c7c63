package routes

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/backend/internal/server/middleware"
	"github.com/loomworks/loom/backend/pkg/common"
	"github.com/loomworks/loom/backend/pkg/logger"
)

// GetSimilarNodesHandler ranks stored nodes by embedding distance to
// the query text. Without an embedding model the list is empty.
func GetSimilarNodesHandler(c echo.Context) error {
	type similarResponse struct {
		Nodes []common.Node `json:"nodes"`
	}

	query := c.QueryParam("q")
	if query == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing query parameter q"})
	}

	limit := 5
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 50 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
		}
		limit = parsed
	}

	app := c.(*middleware.AppContext).App
	nodes, err := app.Store.SimilarNodes(c.Request().Context(), c.Param("workspace"), c.Param("root"), query, limit)
	if err != nil {
		logger.Error("Similarity lookup failed", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	if nodes == nil {
		nodes = []common.Node{}
	}

	return c.JSON(http.StatusOK, similarResponse{Nodes: nodes})
}
