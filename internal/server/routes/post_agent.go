package routes

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/backend/internal/queue"
	"github.com/loomworks/loom/backend/internal/server/middleware"
	"github.com/loomworks/loom/backend/pkg/logger"
)

// AgentBatchHandler enqueues a natural-language instruction for the
// worker. The response only confirms queuing; results arrive on the
// pair's update stream.
func AgentBatchHandler(c echo.Context) error {
	type agentBatchBody struct {
		Instruction string `json:"instruction" validate:"required"`
		Note        string `json:"note"`
		SessionID   string `json:"session_id"`
	}

	data := new(agentBatchBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	msg, err := json.Marshal(queue.BatchJobMsg{
		WorkspaceID:   c.Param("workspace"),
		RootID:        c.Param("root"),
		Instruction:   data.Instruction,
		Note:          data.Note,
		OriginSession: data.SessionID,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	app := c.(*middleware.AppContext).App
	if err := queue.PublishFIFO(app.Queue, "batch_queue", msg); err != nil {
		logger.Error("Failed to enqueue agent batch", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{"message": "Batch queued"})
}
