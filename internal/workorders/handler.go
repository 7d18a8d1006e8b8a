package workorders

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/metrocal/metrocal/internal/platform/httpx"
	"github.com/metrocal/metrocal/internal/shared"
)

const defaultDueWithinDays = 30

// Handler exposes the lifecycle engine over JSON.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	publicLimit int
}

// NewHandler builds the HTTP handler. publicLimit is the per-IP request
// budget per minute for the public tracking route.
func NewHandler(logger *slog.Logger, service *Service, publicLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, publicLimit: publicLimit}
}

type phaseRequest struct {
	Phase           Phase `json:"phase"`
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

type finalizeRequest struct {
	CalibrationResult
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

type cancelRequest struct {
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type paymentRequest struct {
	Paid *bool `json:"paid"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var input CreateOrderInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	input.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	order, err := h.service.CreateOrder(r.Context(), input, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("%s/%d", strings.TrimSuffix(r.URL.Path, "/"), order.ID))
	h.writeOrder(w, http.StatusCreated, order)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeOrder(w, http.StatusOK, order)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input UpdateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	version, err := expectedVersion(r, 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	input.OrderID = id
	input.ExpectedVersion = version

	order, err := h.service.Update(r.Context(), input, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeOrder(w, http.StatusOK, order)
}

func (h *Handler) advancePhase(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req phaseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Phase == 0 {
		h.fail(w, r, fmt.Errorf("%w: phase is required", ErrValidation))
		return
	}
	version, err := expectedVersion(r, req.ExpectedVersion)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	err = h.service.AdvancePhase(r.Context(), AdvancePhaseInput{
		OrderID:         id,
		Phase:           req.Phase,
		ExpectedVersion: version,
	}, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req finalizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	version, err := expectedVersion(r, req.ExpectedVersion)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.service.Finalize(r.Context(), FinalizeInput{
		OrderID:         id,
		Result:          req.CalibrationResult,
		ExpectedVersion: version,
	}, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeOrder(w, http.StatusOK, order)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req cancelRequest
	if err := httpx.DecodeOptionalJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	version, err := expectedVersion(r, req.ExpectedVersion)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	err = h.service.Cancel(r.Context(), CancelInput{
		OrderID:         id,
		Reason:          req.Reason,
		ExpectedVersion: version,
	}, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setPayment(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Paid == nil {
		h.fail(w, r, fmt.Errorf("%w: paid is required", ErrValidation))
		return
	}
	if err := h.service.SetPaymentStatus(r.Context(), PaymentInput{OrderID: id, Paid: *req.Paid}, actorOf(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.service.ListAuditEntries(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) listDue(w http.ResponseWriter, r *http.Request) {
	within := defaultDueWithinDays
	if raw := r.URL.Query().Get("within"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(w, r, fmt.Errorf("%w: within must be a non-negative number of days", ErrValidation))
			return
		}
		within = n
	}
	asOf, err := asOfParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	due, err := h.service.DueRegistrations(r.Context(), asOf, within)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"as_of":         asOf.Format(time.DateOnly),
		"within_days":   within,
		"registrations": due,
	})
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	asOf, err := asOfParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	summary, err := h.service.Dashboard(r.Context(), asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

// asOfParam reads the optional as_of date, defaulting to now.
func asOfParam(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return time.Now(), nil
	}
	parsed, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: as_of must be YYYY-MM-DD", ErrValidation)
	}
	return parsed, nil
}

func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Track(r.Context(), chi.URLParam(r, "accessKey"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) writeOrder(w http.ResponseWriter, status int, order *WorkOrder) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(order.Version, 10)))
	httpx.JSON(w, status, NewOrderResponse(order))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := httpx.Classify(err); status == http.StatusInternalServerError {
		h.logger.Error("work order request failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actorOf(r *http.Request) shared.Actor {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor
}

func orderID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid work order id", ErrValidation)
	}
	return id, nil
}

// expectedVersion reads If-Match, falling back to the version sent in the body.
func expectedVersion(r *http.Request, fromBody int64) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" {
		if fromBody < 0 {
			return 0, fmt.Errorf("%w: expected_version must be positive", ErrValidation)
		}
		return fromBody, nil
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("%w: If-Match must carry a work order version", ErrValidation)
	}
	if fromBody > 0 && fromBody != version {
		return 0, fmt.Errorf("%w: If-Match and expected_version disagree", ErrValidation)
	}
	return version, nil
}
