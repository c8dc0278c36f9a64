package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hanging-protocol-server/internal/domain"
	"github.com/hanging-protocol-server/internal/protocolstore"
)

func TestServer_Health(t *testing.T) {
	f := newFixture(t, false, ctProtocol())

	w := f.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(2), body["protocols"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_Match(t *testing.T) {
	t.Run("inline studies", func(t *testing.T) {
		f := newFixture(t, false, ctProtocol())

		w := f.do(t, http.MethodPost, "/api/v1/match", MatchBody{
			MatchRequest: domain.MatchRequest{Studies: []domain.Study{ctStudy(2)}},
		})

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[MatchResponse](t, w)
		assert.NotEmpty(t, resp.SessionID)
		assert.Equal(t, uint64(1), resp.Sequence)
		assert.Equal(t, "ct", resp.Result.ProtocolID)
		require.Len(t, resp.Result.Bindings, 1)
		assert.Equal(t, domain.BindingBound, resp.Result.Bindings[0].Status)
		assert.Equal(t, "1.1-ds-1", resp.Result.Bindings[0].DisplaySetReference.DisplaySetInstanceUID)
	})

	t.Run("same session advances sequence", func(t *testing.T) {
		f := newFixture(t, false, ctProtocol())
		body := MatchBody{SessionID: "viewer-1", MatchRequest: domain.MatchRequest{Studies: []domain.Study{ctStudy(1)}}}

		first := decode[MatchResponse](t, f.do(t, http.MethodPost, "/api/v1/match", body))
		second := decode[MatchResponse](t, f.do(t, http.MethodPost, "/api/v1/match", body))

		assert.Equal(t, "viewer-1", first.SessionID)
		assert.Equal(t, uint64(1), first.Sequence)
		assert.Equal(t, uint64(2), second.Sequence)
		assert.Equal(t, first.Result.Bindings[0].ViewportID, second.Result.Bindings[0].ViewportID)
	})

	t.Run("empty request degrades", func(t *testing.T) {
		f := newFixture(t, false, ctProtocol())

		w := f.do(t, http.MethodPost, "/api/v1/match", MatchBody{})

		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[MatchResponse](t, w)
		assert.Equal(t, domain.DefaultProtocolID, resp.Result.ProtocolID)
		assert.True(t, resp.Result.Degraded)
		require.Len(t, resp.Result.Bindings, 1)
		assert.Equal(t, domain.BindingUnmatched, resp.Result.Bindings[0].Status)
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t, false)
		requireCode(t, f.do(t, http.MethodPost, "/api/v1/match", "{"), http.StatusBadRequest, domain.ErrInvalidRequest)
	})

	t.Run("study uid without metadata source", func(t *testing.T) {
		f := newFixture(t, false)
		w := f.do(t, http.MethodPost, "/api/v1/match", MatchBody{StudyInstanceUID: "1.1"})
		requireCode(t, w, http.StatusBadRequest, domain.ErrInvalidRequest)
	})
}

func TestServer_MatchFromMetadata(t *testing.T) {
	t.Run("fetches study and priors", func(t *testing.T) {
		f := newFixture(t, true, ctProtocol())
		active := ctStudy(1)
		prior := domain.Study{StudyInstanceUID: "0.9", PatientID: "PAT-1"}
		f.metadata.On("FetchStudy", mock.Anything, "1.1").Return(&active, nil)
		f.metadata.On("FetchPriors", mock.Anything, "PAT-1", "1.1", 2).Return([]domain.Study{prior}, nil)

		w := f.do(t, http.MethodPost, "/api/v1/match", MatchBody{StudyInstanceUID: "1.1"})

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "ct", decode[MatchResponse](t, w).Result.ProtocolID)
		f.metadata.AssertExpectations(t)
	})

	t.Run("negative maxPriors skips priors", func(t *testing.T) {
		f := newFixture(t, true, ctProtocol())
		active := ctStudy(1)
		f.metadata.On("FetchStudy", mock.Anything, "1.1").Return(&active, nil)

		w := f.do(t, http.MethodPost, "/api/v1/match", MatchBody{StudyInstanceUID: "1.1", MaxPriors: intPtr(-1)})

		require.Equal(t, http.StatusOK, w.Code)
		f.metadata.AssertNotCalled(t, "FetchPriors", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("prior failure is tolerated", func(t *testing.T) {
		f := newFixture(t, true, ctProtocol())
		active := ctStudy(1)
		f.metadata.On("FetchStudy", mock.Anything, "1.1").Return(&active, nil)
		f.metadata.On("FetchPriors", mock.Anything, "PAT-1", "1.1", 2).Return(nil, errors.New("timeout"))

		w := f.do(t, http.MethodPost, "/api/v1/match", MatchBody{StudyInstanceUID: "1.1"})
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown study", func(t *testing.T) {
		f := newFixture(t, true)
		f.metadata.On("FetchStudy", mock.Anything, "9.9").Return(nil, domain.ErrStudyNotFound)

		w := f.do(t, http.MethodPost, "/api/v1/match", MatchBody{StudyInstanceUID: "9.9"})
		requireCode(t, w, http.StatusBadRequest, domain.ErrInvalidRequest)
	})

	t.Run("upstream failure", func(t *testing.T) {
		f := newFixture(t, true)
		f.metadata.On("FetchStudy", mock.Anything, "1.1").Return(nil, errors.New("connection refused"))

		w := f.do(t, http.MethodPost, "/api/v1/match", MatchBody{StudyInstanceUID: "1.1"})
		requireCode(t, w, http.StatusBadGateway, domain.ErrMetadataUnavailable)
	})
}

func TestServer_SessionNavigation(t *testing.T) {
	f := newFixture(t, false, fourThenOne())
	match := decode[MatchResponse](t, f.do(t, http.MethodPost, "/api/v1/match", MatchBody{
		SessionID:    "s1",
		MatchRequest: domain.MatchRequest{Studies: []domain.Study{ctStudy(4)}},
	}))
	require.Equal(t, "2x2", match.Result.StageID)

	next := decode[MatchResponse](t, f.do(t, http.MethodPost, "/api/v1/sessions/s1/next", nil))
	assert.Equal(t, "1x1", next.Result.StageID)
	assert.Equal(t, uint64(2), next.Sequence)

	back := decode[MatchResponse](t, f.do(t, http.MethodPost, "/api/v1/sessions/s1/previous", nil))
	assert.Equal(t, "2x2", back.Result.StageID)
	assert.Len(t, back.Result.Bindings, 4)

	current := decode[MatchResponse](t, f.do(t, http.MethodGet, "/api/v1/sessions/s1", nil))
	assert.Equal(t, "2x2", current.Result.StageID)
	assert.Equal(t, uint64(3), current.Sequence)

	t.Run("explicit protocol and stage", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/sessions/s1/protocol", SetProtocolBody{ProtocolID: "four-then-one", StageID: "1x1"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "1x1", decode[MatchResponse](t, w).Result.StageID)
	})

	t.Run("unknown protocol", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/sessions/s1/protocol", SetProtocolBody{ProtocolID: "missing"})
		requireCode(t, w, http.StatusNotFound, domain.ErrProtocolNotFoundCode)
	})

	t.Run("protocol id required", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/sessions/s1/protocol", map[string]string{})
		requireCode(t, w, http.StatusBadRequest, domain.ErrInvalidRequest)
	})

	t.Run("unknown session", func(t *testing.T) {
		requireCode(t, f.do(t, http.MethodPost, "/api/v1/sessions/nope/next", nil), http.StatusNotFound, domain.ErrSessionNotFoundCode)
		requireCode(t, f.do(t, http.MethodGet, "/api/v1/sessions/nope", nil), http.StatusNotFound, domain.ErrSessionNotFoundCode)
	})

	t.Run("delete session", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/sessions/s1", nil).Code)
		requireCode(t, f.do(t, http.MethodGet, "/api/v1/sessions/s1", nil), http.StatusNotFound, domain.ErrSessionNotFoundCode)
	})
}

func TestServer_ProtocolCRUD(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/v1/protocols", ctProtocol())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[domain.Protocol](t, w)
	assert.Equal(t, 1, created.Version)

	requireCode(t, f.do(t, http.MethodPost, "/api/v1/protocols", ctProtocol()), http.StatusConflict, domain.ErrDuplicateProtocolCode)

	got := decode[domain.Protocol](t, f.do(t, http.MethodGet, "/api/v1/protocols/ct", nil))
	assert.Equal(t, "ct", got.ID)

	list := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/v1/protocols", nil))
	assert.Equal(t, float64(2), list["count"])

	update := ctProtocol()
	update.Name = "CT renamed"
	w = f.do(t, http.MethodPut, "/api/v1/protocols/ct", update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[domain.Protocol](t, w)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "CT renamed", updated.Name)

	versions := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/v1/protocols/ct/versions", nil))
	assert.Equal(t, "ct", versions["protocolId"])
	assert.Len(t, versions["versions"], 1)

	requireCode(t, f.do(t, http.MethodPut, "/api/v1/protocols/missing", ctProtocol()), http.StatusNotFound, domain.ErrProtocolNotFoundCode)
	requireCode(t, f.do(t, http.MethodDelete, "/api/v1/protocols/default", nil), http.StatusConflict, domain.ErrProtocolLockedCode)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/protocols/ct", nil).Code)
	requireCode(t, f.do(t, http.MethodGet, "/api/v1/protocols/ct", nil), http.StatusNotFound, domain.ErrProtocolNotFoundCode)
}

func TestServer_ProtocolRejectedAtRegistration(t *testing.T) {
	f := newFixture(t, false)
	bad := ctProtocol()
	bad.Stages[0].Viewports[0].DisplaySets[0].ID = "nope"

	requireCode(t, f.do(t, http.MethodPost, "/api/v1/protocols", bad), http.StatusUnprocessableEntity, domain.ErrInvalidProtocol)
}

func TestServer_ValidateProtocol(t *testing.T) {
	f := newFixture(t, false)

	t.Run("valid", func(t *testing.T) {
		body := decode[map[string]any](t, f.do(t, http.MethodPost, "/api/v1/protocols/validate", ctProtocol()))
		assert.Equal(t, true, body["valid"])
	})

	t.Run("invalid", func(t *testing.T) {
		bad := ctProtocol()
		bad.Stages[0].Viewports[0].DisplaySets[0].ID = "nope"
		w := f.do(t, http.MethodPost, "/api/v1/protocols/validate", bad)

		require.Equal(t, http.StatusOK, w.Code)
		body := decode[map[string]any](t, w)
		assert.Equal(t, false, body["valid"])
		assert.NotEmpty(t, body["errors"])
	})

	_, err := f.registry.GetProtocol("ct")
	assert.ErrorIs(t, err, domain.ErrProtocolNotFound, "validation does not register")
}

func TestServer_ImportExport(t *testing.T) {
	source := newFixture(t, false, ctProtocol(), fourThenOne())

	w := source.do(t, http.MethodGet, "/api/v1/protocols/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	export := decode[protocolstore.Export](t, w)
	assert.Equal(t, 2, export.Count)

	target := newFixture(t, false, ctProtocol())
	w = target.do(t, http.MethodPost, "/api/v1/protocols/import", w.Body.String())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[map[string]int](t, w)
	assert.Equal(t, 1, result["imported"])
	assert.Equal(t, 1, result["skipped"])

	_, err := target.registry.GetProtocol("four-then-one")
	assert.NoError(t, err)

	requireCode(t, target.do(t, http.MethodPost, "/api/v1/protocols/import?format=xml", "<x/>"), http.StatusBadRequest, domain.ErrInvalidRequest)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{domain.ErrProtocolNotFoundCode, http.StatusNotFound},
		{domain.ErrSessionNotFoundCode, http.StatusNotFound},
		{domain.ErrProtocolLockedCode, http.StatusConflict},
		{domain.ErrDuplicateProtocolCode, http.StatusConflict},
		{domain.ErrInvalidProtocol, http.StatusUnprocessableEntity},
		{domain.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrMetadataUnavailable, http.StatusBadGateway},
		{domain.ErrInternalServer, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.code), tt.code)
	}
}

func TestServer_StartStops(t *testing.T) {
	f := newFixture(t, false)
	f.server.config.Server.Host = "127.0.0.1"
	f.server.config.Server.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, f.server.Start(ctx))
}
