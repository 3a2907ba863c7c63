package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/backend/internal/server/middleware"
	"github.com/loomworks/loom/backend/pkg/chunker"
	"github.com/loomworks/loom/backend/pkg/common"
	"github.com/loomworks/loom/backend/pkg/leaselock"
	"github.com/loomworks/loom/backend/pkg/logger"
	"github.com/loomworks/loom/backend/pkg/pipeline"
)

// ExecuteBatchHandler runs a client-authored operation batch inline.
// The canvas lease serializes batches across server and worker
// instances. Operation failures come back in the report; only a batch
// that cannot start at all is rejected outright.
func ExecuteBatchHandler(c echo.Context) error {
	type executeBatchBody struct {
		Operations []common.Operation `json:"operations" validate:"required,min=1"`
		Note       string             `json:"note"`
		SessionID  string             `json:"session_id"`
	}

	data := new(executeBatchBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	for _, op := range data.Operations {
		if err := op.Validate(); err != nil {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		}
	}

	app := c.(*middleware.AppContext).App
	workspaceID := c.Param("workspace")
	rootID := c.Param("root")

	cv, release, err := acquireCanvas(c)
	if err != nil {
		logger.Error("Failed to load canvas", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	defer release()

	var report *pipeline.Report
	lockKey := fmt.Sprintf("canvas:%s:%s", workspaceID, rootID)
	err = app.Locks.WithLease(c.Request().Context(), lockKey, leaselock.Options{Wait: true}, func(ctx context.Context) error {
		var execErr error
		report, execErr = app.Pipeline.Execute(ctx, cv, pipeline.Batch{
			WorkspaceID:   workspaceID,
			RootID:        rootID,
			Operations:    data.Operations,
			Note:          data.Note,
			OriginSession: data.SessionID,
		})
		return execErr
	})
	if err != nil {
		var cyclic *chunker.CyclicDependencyError
		var unknownDep *chunker.UnknownDependencyError
		if errors.As(err, &cyclic) || errors.As(err, &unknownDep) || errors.Is(err, chunker.ErrDuplicateOperationID) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		}
		logger.Error("Batch execution failed", "workspace_id", workspaceID, "root_id", rootID, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, report)
}
