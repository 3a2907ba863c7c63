package routes

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/backend/internal/server/middleware"
	"github.com/loomworks/loom/backend/pkg/canvas"
	"github.com/loomworks/loom/backend/pkg/common"
)

// acquireCanvas checks the pair out of the registry, hydrating it from
// the store on first use. The returned release must be called once the
// handler is done with the canvas.
func acquireCanvas(c echo.Context) (*canvas.Canvas, func(), error) {
	app := c.(*middleware.AppContext).App
	workspaceID := c.Param("workspace")
	rootID := c.Param("root")

	cv, created := app.Canvases.Acquire(workspaceID, rootID)
	release := func() { app.Canvases.Release(workspaceID, rootID) }

	if created {
		if err := cv.Hydrate(c.Request().Context(), app.Store); err != nil {
			release()
			return nil, nil, fmt.Errorf("hydrate canvas: %w", err)
		}
	}
	return cv, release, nil
}

// parseViewFilter reads the optional kinds and relations query params,
// both comma-separated lists of wire tokens.
func parseViewFilter(c echo.Context) (canvas.ViewFilter, error) {
	var f canvas.ViewFilter

	if raw := c.QueryParam("kinds"); raw != "" {
		for _, token := range strings.Split(raw, ",") {
			kind, ok := common.ParseNodeKind(strings.TrimSpace(token))
			if !ok {
				return f, fmt.Errorf("unknown node kind %q", token)
			}
			f.Kinds = append(f.Kinds, kind)
		}
	}

	if raw := c.QueryParam("relations"); raw != "" {
		for _, token := range strings.Split(raw, ",") {
			token = strings.TrimSpace(token)
			kind := common.RelationKind(token)
			if !kind.Valid() {
				if byAbbrev, ok := common.RelationForAbbrev(token); ok {
					kind = byAbbrev
				} else {
					return f, fmt.Errorf("unknown relation %q", token)
				}
			}
			f.Relations = append(f.Relations, kind)
		}
	}

	return f, nil
}
