package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eduabjr/cartorio-sub002/internal/registry/models"
	dErrors "github.com/eduabjr/cartorio-sub002/pkg/domain-errors"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/httputil"
	platformstrings "github.com/eduabjr/cartorio-sub002/pkg/platform/strings"
	"github.com/eduabjr/cartorio-sub002/pkg/requestcontext"
)

// Service defines the registry operations exposed over HTTP.
type Service interface {
	Accept(ctx context.Context, req models.AcceptRequest) (models.AcceptResult, error)
	Get(ctx context.Context, id string) (models.Record, error)
	List(ctx context.Context, kind string, limit int) ([]models.Record, error)
	GetMany(ctx context.Context, ids []string) ([]models.Record, error)
	InvalidateCache(ctx context.Context, pattern string) int
}

// Handler wires registry endpoints to the registry service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register mounts registry endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/records", h.HandleAccept)
	r.Get("/v1/records", h.HandleList)
	r.Get("/v1/records/{id}", h.HandleGet)
}

// RegisterAdmin mounts operator endpoints. Callers are expected to mount it
// on a router that is not publicly reachable.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/admin/cache/invalidate", h.HandleInvalidate)
}

// HandleAccept handles POST /v1/records. New records answer 201, known ids 200.
func (h *Handler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[models.AcceptRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	result, err := h.service.Accept(ctx, *req)
	if err != nil {
		h.logger.ErrorContext(ctx, "accept record failed",
			"request_id", requestID,
			"record_id", req.ID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	h.logger.DebugContext(ctx, "accept record handled",
		"request_id", requestID,
		"record_id", result.ID,
		"created", result.Created,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, status, result)
}

// HandleGet handles GET /v1/records/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

type listResponse struct {
	Records []models.Record `json:"records"`
	Count   int             `json:"count"`
}

// HandleList handles GET /v1/records?kind=&limit= and GET /v1/records?ids=a,b.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if raw := query.Get("ids"); raw != "" {
		records, err := h.service.GetMany(ctx, platformstrings.SplitList(raw, ","))
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, listResponse{Records: records, Count: len(records)})
		return
	}

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be an integer"))
			return
		}
		limit = n
	}
	records, err := h.service.List(ctx, query.Get("kind"), limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse{Records: records, Count: len(records)})
}

// HandleInvalidate handles POST /admin/cache/invalidate?pattern=.
func (h *Handler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pattern := r.URL.Query().Get("pattern")
	removed := h.service.InvalidateCache(ctx, pattern)
	h.logger.InfoContext(ctx, "cache invalidated by operator",
		"request_id", requestcontext.RequestID(ctx),
		"pattern", pattern,
		"removed", removed,
	)
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
