package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/eduabjr/cartorio-sub002/internal/registry/models"
	"github.com/eduabjr/cartorio-sub002/internal/registry/service"
	"github.com/eduabjr/cartorio-sub002/internal/registry/store"
	dErrors "github.com/eduabjr/cartorio-sub002/pkg/domain-errors"
	"github.com/eduabjr/cartorio-sub002/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	router chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.New(store.NewInMemory(), service.WithLogger(logger))
	s.Require().NoError(err)

	h := New(svc, logger)
	r := chi.NewRouter()
	h.Register(r)
	h.RegisterAdmin(r)
	s.router = r
}

func (s *HandlerSuite) accept(id, kind string) int {
	body := map[string]any{
		"id":         id,
		"kind":       kind,
		"payload":    map[string]any{"name": "Maria"},
		"capturedAt": time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/records", body))
	return rr.Code
}

// =============================================================================
// Accept
// =============================================================================

func (s *HandlerSuite) TestAccept() {
	s.Run("new record answers 201 and a redelivery answers 200", func() {
		s.Equal(http.StatusCreated, s.accept("desk-1", "birth"))
		s.Equal(http.StatusOK, s.accept("desk-1", "birth"))
	})

	s.Run("malformed JSON is a bad request", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/v1/records", "{"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})

	s.Run("payload that is not an object fails validation", func() {
		body := `{"id":"desk-9","kind":"birth","payload":[1,2],"capturedAt":"2026-03-10T09:00:00Z"}`
		rr := testutil.DoRequest(s.router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/v1/records", body))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})

	s.Run("missing id fails validation", func() {
		body := `{"kind":"birth","payload":{},"capturedAt":"2026-03-10T09:00:00Z"}`
		rr := testutil.DoRequest(s.router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/v1/records", body))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})
}

// =============================================================================
// Reads
// =============================================================================

func (s *HandlerSuite) TestGet() {
	s.Require().Equal(http.StatusCreated, s.accept("desk-1", "birth"))

	s.Run("returns a stored record", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/records/desk-1"))
		testutil.AssertStatusOK(s.T(), rr)
		record := testutil.UnmarshalResponse[models.Record](s.T(), rr)
		s.Equal("desk-1", record.ID)
		s.Equal("birth", record.Kind)
		s.JSONEq(`{"name":"Maria"}`, string(record.Payload))
	})

	s.Run("unknown id is not found", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/records/nope"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, string(dErrors.CodeNotFound))
	})
}

func (s *HandlerSuite) TestList() {
	s.Require().Equal(http.StatusCreated, s.accept("desk-1", "birth"))
	s.Require().Equal(http.StatusCreated, s.accept("desk-2", "death"))
	s.Require().Equal(http.StatusCreated, s.accept("desk-3", "birth"))

	s.Run("filters by kind", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/records?kind=birth"))
		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[listResponse](s.T(), rr)
		s.Equal(2, resp.Count)
		for _, r := range resp.Records {
			s.Equal("birth", r.Kind)
		}
	})

	s.Run("honours limit", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/records?limit=1"))
		testutil.AssertStatusOK(s.T(), rr)
		s.Equal(1, testutil.UnmarshalResponse[listResponse](s.T(), rr).Count)
	})

	s.Run("rejects a non numeric limit", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/records?limit=many"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})

	s.Run("rejects a negative limit", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/records?limit=-3"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})

	s.Run("looks up a batch of ids", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/records?ids=desk-1,%20desk-3,,missing"))
		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[listResponse](s.T(), rr)
		s.Equal(2, resp.Count)
	})
}

func (s *HandlerSuite) TestInvalidate() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/admin/cache/invalidate?pattern=records:*"))
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "removed", float64(0))
}

// unavailableService fails every call the way the registry does when its
// database is down.
type unavailableService struct{ Service }

func (unavailableService) Accept(context.Context, models.AcceptRequest) (models.AcceptResult, error) {
	return models.AcceptResult{}, dErrors.Wrap(errors.New("dial tcp: refused"), dErrors.CodeUnavailable, "registry storage unavailable")
}

func TestAcceptStorageOutage(t *testing.T) {
	h := New(unavailableService{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	h.Register(r)

	testutil.Given(t, "the registry database is down", func(t *testing.T) {
		testutil.When(t, "a client submits a record", func(t *testing.T) {
			body := json.RawMessage(`{"id":"desk-1","kind":"birth","payload":{},"capturedAt":"2026-03-10T09:00:00Z"}`)
			rr := testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodPost, "/v1/records", body))

			testutil.Then(t, "the client sees a retryable status", func(t *testing.T) {
				require.Equal(t, http.StatusServiceUnavailable, rr.Code)
				resp := testutil.UnmarshalErrorResponse(t, rr)
				assert.Equal(t, string(dErrors.CodeUnavailable), resp["error"])
				assert.NotContains(t, resp["error_description"], "refused")
			})
		})
	})
}
