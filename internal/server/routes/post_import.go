package routes

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/loomworks/loom/backend/internal/queue"
	"github.com/loomworks/loom/backend/internal/server/middleware"
	"github.com/loomworks/loom/backend/internal/storage"
	"github.com/loomworks/loom/backend/pkg/logger"
)

const maxImportUpload = 32 << 20

// ImportCanvasHandler enqueues an import job. The source is either a
// URL in the JSON body or an uploaded document in a multipart form;
// uploads are parked in object storage for the worker to pick up.
func ImportCanvasHandler(c echo.Context) error {
	type importBody struct {
		URL         string `form:"url" json:"url"`
		Instruction string `form:"instruction" json:"instruction"`
		Note        string `form:"note" json:"note"`
		SessionID   string `form:"session_id" json:"session_id"`
	}

	data := new(importBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	app := c.(*middleware.AppContext).App
	workspaceID := c.Param("workspace")
	rootID := c.Param("root")
	ctx := c.Request().Context()

	job := queue.ImportJobMsg{
		WorkspaceID:   workspaceID,
		RootID:        rootID,
		Instruction:   data.Instruction,
		Note:          data.Note,
		OriginSession: data.SessionID,
	}

	upload, uploadErr := c.FormFile("file")
	switch {
	case uploadErr == nil:
		if app.S3 == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Document import requires object storage"})
		}
		if upload.Size > maxImportUpload {
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "Upload too large"})
		}

		src, err := upload.Open()
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid upload"})
		}
		defer src.Close()
		raw, err := io.ReadAll(io.LimitReader(src, maxImportUpload))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid upload"})
		}

		ext := strings.ToLower(path.Ext(upload.Filename))
		if ext != ".docx" && ext != ".txt" && ext != ".md" {
			return c.JSON(http.StatusUnsupportedMediaType, map[string]string{"error": "Unsupported document type " + ext})
		}

		suffix, err := gonanoid.New()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		}
		key := fmt.Sprintf("uploads/%s/%s/%s%s", workspaceID, rootID, suffix, ext)
		if err := storage.PutObject(ctx, app.S3, key, raw, upload.Header.Get("Content-Type")); err != nil {
			logger.Error("Failed to store import upload", "err", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		}
		job.ObjectKey = key

	case data.URL != "":
		job.SourceURL = data.URL

	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Import needs a url or a file"})
	}

	msg, err := json.Marshal(job)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	if err := queue.PublishFIFO(app.Queue, "import_queue", msg); err != nil {
		logger.Error("Failed to enqueue import", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{"message": "Import queued"})
}
