package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/backend/internal/server/middleware"
	"github.com/loomworks/loom/backend/pkg/formate"
	"github.com/loomworks/loom/backend/pkg/logger"
	"github.com/loomworks/loom/backend/pkg/syncer"
)

// EditCanvasHandler applies one client diff. Malformed lines reject the
// whole diff; a stale base version is applied anyway and flagged so the
// client can resync. Everyone attached to the pair except the editing
// session receives the applied diff.
func EditCanvasHandler(c echo.Context) error {
	type editCanvasBody struct {
		Diff      string `json:"diff" validate:"required"`
		Note      string `json:"note"`
		SessionID string `json:"session_id"`
	}

	type editCanvasResponse struct {
		Version   int64  `json:"version"`
		StaleBase bool   `json:"stale_base,omitempty"`
		Persisted bool   `json:"persisted"`
		Applied   string `json:"applied"`
	}

	data := new(editCanvasBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	cs, err := formate.ParseDiff(data.Diff)
	if err != nil {
		var malformed *formate.MalformedLineError
		if errors.As(err, &malformed) {
			return c.JSON(http.StatusBadRequest, map[string]any{
				"error": "Malformed diff",
				"line":  malformed.Line,
				"text":  malformed.Text,
			})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	cv, release, err := acquireCanvas(c)
	if err != nil {
		logger.Error("Failed to load canvas", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	defer release()

	// Batches hold this lock across their whole chunk pipeline; an edit
	// landing mid-batch must not interleave its apply and flush.
	cv.LockBatch()
	defer cv.UnlockBatch()

	res, err := cv.ApplyDiff(cs)
	if err != nil {
		// Unknown endpoints and other semantic violations reject the
		// whole diff without touching the canvas.
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	persisted := true
	if err := cv.Flush(ctx, app.Store); err != nil {
		// The canvas stays dirty; the background flusher retries.
		logger.Warn("Flush after edit failed", "workspace_id", cv.WorkspaceID, "root_id", cv.RootID, "err", err)
		persisted = false
	}

	applied := formate.SerializeDiff(cs)
	if err := app.Bridge.Publish(syncer.Update{
		WorkspaceID: cv.WorkspaceID,
		RootID:      cv.RootID,
		Diff:        applied,
		Note:        data.Note,
		Origin:      data.SessionID,
		Version:     res.Version,
	}); err != nil {
		logger.Warn("Broadcast after edit failed", "err", err)
	}

	return c.JSON(http.StatusOK, editCanvasResponse{
		Version:   res.Version,
		StaleBase: res.StaleBase,
		Persisted: persisted,
		Applied:   applied,
	})
}
