package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metrocal/metrocal/internal/observability"
	"github.com/metrocal/metrocal/internal/shared"
	"github.com/metrocal/metrocal/internal/workorders"
	"github.com/metrocal/metrocal/jobs"
	_ "github.com/metrocal/metrocal/testing"
)

// notFoundRepo answers every order lookup with ErrNotFound.
type notFoundRepo struct {
	workorders.Repository
}

func (notFoundRepo) GetOrder(context.Context, int64) (*workorders.WorkOrder, error) {
	return nil, workorders.ErrNotFound
}

func newTestRouter() http.Handler {
	cfg := &Config{APIRateLimit: 100}
	svc := workorders.NewService(notFoundRepo{}, workorders.ServiceConfig{})
	return NewRouter(RouterParams{
		Config:           cfg,
		WorkOrderHandler: workorders.NewHandler(nil, svc, 0),
		JobHandler:       jobs.NewHandler(nil, nil),
		Metrics:          observability.NewMetrics(),
	})
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouterOperationalRoutes(t *testing.T) {
	router := newTestRouter()

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "metrocal_http_requests_total")
}

func TestRouterRequiresActorOnAPI(t *testing.T) {
	router := newTestRouter()

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/work-orders/1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/work-orders/1", nil)
	req.Header.Set(HeaderActorID, "7")
	rec = serve(router, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Public tracking needs no identity.
	rec = serve(router, httptest.NewRequest(http.MethodGet, "/track/NOT-A-KEY", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequireActor(t *testing.T) {
	var got shared.Actor
	r := chi.NewRouter()
	r.With(RequireActor).Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
		got, _ = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	for _, raw := range []string{"", "abc", "0", "-3"} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set(HeaderActorID, raw)
		assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code, raw)
	}

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(HeaderActorID, " 42 ")
	req.Header.Set(HeaderActorRole, "Client")
	req.Header.Set("User-Agent", "portal/1.0")
	require.Equal(t, http.StatusNoContent, serve(r, req).Code)
	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, workorders.RoleClient, got.Role)
	assert.Equal(t, "portal/1.0", got.UserAgent)
	assert.NotEmpty(t, got.IP)
}
