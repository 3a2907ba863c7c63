package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/backend/internal/server/middleware"
	"github.com/loomworks/loom/backend/pkg/canvas"
	"github.com/loomworks/loom/backend/pkg/formate"
	"github.com/loomworks/loom/backend/pkg/logger"
)

type streamResync struct {
	Version int64  `json:"version"`
	State   string `json:"state"`
}

// StreamCanvasHandler attaches the client to the pair's update stream
// over SSE. The first events carry the session id (clients echo it on
// edits so their own changes are not mirrored back) and a full resync.
// A session that fell behind gets a fresh resync instead of the diffs
// it missed.
func StreamCanvasHandler(c echo.Context) error {
	app := c.(*middleware.AppContext).App
	workspaceID := c.Param("workspace")
	rootID := c.Param("root")

	cv, release, err := acquireCanvas(c)
	if err != nil {
		logger.Error("Failed to load canvas", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	defer release()

	session, err := app.Hub.Subscribe(workspaceID, rootID)
	if err != nil {
		logger.Error("Failed to open session", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	defer app.Hub.Unsubscribe(workspaceID, rootID, session.ID)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	if err := writeEvent(resp, "session", map[string]string{"session_id": session.ID}); err != nil {
		return nil
	}
	if err := sendResync(resp, cv); err != nil {
		return nil
	}
	resp.Flush()

	ctx := c.Request().Context()
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case u, ok := <-session.Updates():
			if !ok {
				return nil
			}
			if session.Lagged() {
				if err := sendResync(resp, cv); err != nil {
					return nil
				}
				session.ClearLagged()
			} else if err := writeEvent(resp, "update", u); err != nil {
				return nil
			}
			resp.Flush()

		case <-keepalive.C:
			if _, err := fmt.Fprint(resp, ": keepalive\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

func sendResync(resp *echo.Response, cv *canvas.Canvas) error {
	nodes, edges, version := cv.Serialize(canvas.ViewFilter{})
	return writeEvent(resp, "resync", streamResync{
		Version: version,
		State:   formate.SerializeState(nodes, edges),
	})
}

func writeEvent(resp *echo.Response, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", name, data)
	return err
}
