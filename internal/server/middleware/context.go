package middleware

import (
	"context"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/loomworks/loom/backend/pkg/canvas"
	"github.com/loomworks/loom/backend/pkg/common"
	"github.com/loomworks/loom/backend/pkg/leaselock"
	"github.com/loomworks/loom/backend/pkg/pipeline"
	"github.com/loomworks/loom/backend/pkg/store"
	"github.com/loomworks/loom/backend/pkg/syncer"
)

type AppUser struct {
	UserID      string
	Role        string
	Permissions []string
}

// GraphStore is what request handlers need from the durable store:
// the generic persistence contract plus similarity search.
type GraphStore interface {
	store.GraphStore
	SimilarNodes(ctx context.Context, workspaceID, rootID, query string, limit int) ([]common.Node, error)
}

// App carries the shared server dependencies into every request.
type App struct {
	DBConn         *pgxpool.Pool
	Queue          *amqp091.Channel
	Key            *keyfunc.Keyfunc
	S3             *s3.Client
	Store          GraphStore
	Canvases       *canvas.Registry
	Hub            *syncer.Hub
	Bridge         pipeline.Publisher
	Pipeline       *pipeline.Pipeline
	Locks          *leaselock.Client
	MasterAPIKey   string
	MasterUserID   string
	MasterUserRole string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
