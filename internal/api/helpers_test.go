package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hanging-protocol-server/internal/domain"
	"github.com/hanging-protocol-server/internal/protocolstore"
)

// MockMetadataSource is a mock implementation of domain.MetadataSource
type MockMetadataSource struct {
	mock.Mock
}

func (m *MockMetadataSource) FetchStudy(ctx context.Context, studyInstanceUID string) (*domain.Study, error) {
	args := m.Called(ctx, studyInstanceUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Study), args.Error(1)
}

func (m *MockMetadataSource) FetchPriors(ctx context.Context, patientID, excludeStudyUID string, limit int) ([]domain.Study, error) {
	args := m.Called(ctx, patientID, excludeStudyUID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Study), args.Error(1)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel) // Suppress logs during testing
	return logger
}

func testConfig() *domain.Config {
	return &domain.Config{
		Logging: domain.LoggingConfig{Level: "error"},
		Engine:  domain.EngineConfig{SessionLimit: 8, MaxPriors: 2},
	}
}

func intPtr(v int) *int { return &v }

func ctStudy(n int) domain.Study {
	s := domain.Study{StudyInstanceUID: "1.1", StudyDate: "20240101", PatientID: "PAT-1"}
	for i := 1; i <= n; i++ {
		s.DisplaySets = append(s.DisplaySets, domain.DisplaySet{
			DisplaySetInstanceUID: fmt.Sprintf("1.1-ds-%d", i),
			StudyInstanceUID:      "1.1",
			SeriesInstanceUID:     fmt.Sprintf("1.1.%d", i),
			Modality:              "CT",
			SeriesNumber:          i,
			NumImageFrames:        10,
		})
	}
	return s
}

func ctSelector() map[string]domain.DisplaySetSelector {
	return map[string]domain.DisplaySetSelector{
		"ctSeries": {
			SeriesMatchingRules: []domain.MatchingRule{
				{Attribute: "Modality", Required: true, Constraint: domain.Equals{Value: "CT"}},
			},
		},
	}
}

func ctRules() []domain.MatchingRule {
	return []domain.MatchingRule{
		{Attribute: "ModalitiesInStudy", Required: true, Constraint: domain.Contains{Value: "CT"}},
	}
}

func gridStage(id string, rows, cols, minMatched int, refs ...int) domain.Stage {
	stage := domain.Stage{
		ID:                id,
		ViewportStructure: domain.ViewportStructure{LayoutType: "grid", Properties: domain.GridProperties{Rows: rows, Columns: cols}},
		StageActivation:   domain.StageActivation{Enabled: &domain.ActivationLevel{MinViewportsMatched: intPtr(minMatched)}},
	}
	for i, idx := range refs {
		stage.Viewports = append(stage.Viewports, domain.Viewport{
			ViewportOptions: domain.ViewportOptions{ViewportID: fmt.Sprintf("%s-%d", id, i)},
			DisplaySets:     []domain.DisplaySetRef{{ID: "ctSeries", MatchedDisplaySetsIndex: idx}},
		})
	}
	return stage
}

func ctProtocol() *domain.Protocol {
	return &domain.Protocol{
		ID:                    "ct",
		ProtocolMatchingRules: ctRules(),
		DisplaySetSelectors:   ctSelector(),
		Stages:                []domain.Stage{gridStage("one-up", 1, 1, 1, 0)},
	}
}

func fourThenOne() *domain.Protocol {
	return &domain.Protocol{
		ID:                    "four-then-one",
		Priority:              1,
		ProtocolMatchingRules: ctRules(),
		DisplaySetSelectors:   ctSelector(),
		Stages: []domain.Stage{
			gridStage("2x2", 2, 2, 4, 0, 1, 2, 3),
			gridStage("1x1", 1, 1, 1, 0),
		},
	}
}

type fixture struct {
	server   *Server
	registry *protocolstore.Registry
	metadata *MockMetadataSource
}

func newFixture(t *testing.T, withMetadata bool, protocols ...*domain.Protocol) *fixture {
	t.Helper()
	registry := protocolstore.NewRegistry(nil, quietLogger())
	for _, p := range protocols {
		_, err := registry.AddProtocol(context.Background(), p)
		require.NoError(t, err)
	}

	f := &fixture{registry: registry}
	var metadata domain.MetadataSource
	if withMetadata {
		f.metadata = new(MockMetadataSource)
		metadata = f.metadata
	}

	server, err := NewServer(testConfig(), registry, metadata, quietLogger())
	require.NoError(t, err)
	f.server = server
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func requireCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	body := decode[domain.EngineError](t, w)
	require.Equal(t, code, body.Code)
	require.NotEmpty(t, body.RequestID)
}
