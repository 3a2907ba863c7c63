package routes

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/backend/internal/server/middleware"
	"github.com/loomworks/loom/backend/pkg/canvas"
	"github.com/loomworks/loom/backend/pkg/common"
	"github.com/loomworks/loom/backend/pkg/store"
	"github.com/loomworks/loom/backend/pkg/syncer"
)

type testValidator struct {
	v *validator.Validate
}

func (t *testValidator) Validate(i any) error {
	return t.v.Struct(i)
}

type stubStore struct {
	entities map[string]store.Entity
	nextID   int
}

func newStubStore() *stubStore {
	return &stubStore{entities: make(map[string]store.Entity)}
}

func (s *stubStore) Create(_ context.Context, _, _ string, kind store.EntityKind, entityType string, props map[string]any) (string, error) {
	s.nextID++
	pid := fmt.Sprintf("ent_%03d", s.nextID)
	s.entities[pid] = store.Entity{PermanentID: pid, Kind: kind, Type: entityType, Properties: props}
	return pid, nil
}

func (s *stubStore) Update(_ context.Context, _, _, permanentID string, props map[string]any) error {
	e, ok := s.entities[permanentID]
	if !ok {
		return fmt.Errorf("no entity %s", permanentID)
	}
	e.Properties = props
	s.entities[permanentID] = e
	return nil
}

func (s *stubStore) Delete(_ context.Context, _, _, permanentID string) error {
	delete(s.entities, permanentID)
	return nil
}

func (s *stubStore) Query(_ context.Context, _ store.Filter) ([]store.Entity, error) {
	return nil, nil
}

func (s *stubStore) SimilarNodes(_ context.Context, _, _, _ string, _ int) ([]common.Node, error) {
	return nil, nil
}

type stubPublisher struct {
	updates []syncer.Update
}

func (p *stubPublisher) Publish(u syncer.Update) error {
	p.updates = append(p.updates, u)
	return nil
}

func newEditRequest(e *echo.Echo, app *middleware.App, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("workspace", "root")
	c.SetParamValues("ws1", "Order.SY.001")
	return &middleware.AppContext{Context: c, App: app}, rec
}

func TestEditWaitsForRunningBatch(t *testing.T) {
	e := echo.New()
	e.Validator = &testValidator{v: validator.New()}

	registry := canvas.NewRegistry()
	cv, _ := registry.Acquire("ws1", "Order.SY.001")
	defer registry.Release("ws1", "Order.SY.001")

	app := &middleware.App{
		Store:    newStubStore(),
		Canvases: registry,
		Bridge:   &stubPublisher{},
	}

	// A batch is mid-flight: it holds the canvas lock across chunk
	// execution and its final apply.
	cv.LockBatch()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		c, rec := newEditRequest(e, app, `{"diff":"## Nodes\n+Order System|SYS|Order.SY.001|Handles orders"}`)
		if err := EditCanvasHandler(c); err != nil {
			t.Errorf("EditCanvasHandler: %v", err)
		}
		done <- rec
	}()

	select {
	case <-done:
		t.Fatal("edit applied while a batch held the canvas lock")
	case <-time.After(50 * time.Millisecond):
	}

	cv.UnlockBatch()

	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("edit never completed after the batch lock was released")
	}

	if _, ok := cv.Node("Order.SY.001"); !ok {
		t.Fatal("edit not applied to the canvas")
	}
	if cv.Dirty() {
		t.Fatal("edit was not flushed")
	}
}
