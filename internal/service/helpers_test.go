package service

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/hanging-protocol-server/internal/domain"
)

// MockProtocolProvider is a mock implementation of domain.ProtocolProvider
type MockProtocolProvider struct {
	mock.Mock
}

func (m *MockProtocolProvider) GetProtocol(id string) (*domain.Protocol, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Protocol), args.Error(1)
}

func (m *MockProtocolProvider) ListProtocols() []*domain.Protocol {
	args := m.Called()
	return args.Get(0).([]*domain.Protocol)
}

func (m *MockProtocolProvider) DefaultProtocol() *domain.Protocol {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*domain.Protocol)
}

// newProvider wires a mock provider serving protocols in registration order.
func newProvider(protocols ...*domain.Protocol) *MockProtocolProvider {
	m := new(MockProtocolProvider)
	m.On("ListProtocols").Return(protocols)
	m.On("DefaultProtocol").Return(domain.NewDefaultProtocol())
	for _, p := range protocols {
		m.On("GetProtocol", p.ID).Return(p, nil)
	}
	m.On("GetProtocol", mock.Anything).Return(nil, domain.ErrProtocolNotFound)
	return m
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel) // Suppress logs during testing
	return logger
}

func intPtr(v int) *int { return &v }

func series(study string, n int, modality, description string) domain.DisplaySet {
	return domain.DisplaySet{
		DisplaySetInstanceUID: fmt.Sprintf("%s-ds-%d", study, n),
		StudyInstanceUID:      study,
		SeriesInstanceUID:     fmt.Sprintf("%s.%d", study, n),
		Modality:              modality,
		SeriesDescription:     description,
		SeriesNumber:          n,
		NumImageFrames:        10,
	}
}

func study(uid, description string, displaySets ...domain.DisplaySet) domain.Study {
	return domain.Study{
		StudyInstanceUID: uid,
		StudyDescription: description,
		PatientID:        "PAT-1",
		DisplaySets:      displaySets,
	}
}

func requiredRule(attribute string, c domain.Constraint) domain.MatchingRule {
	return domain.MatchingRule{Attribute: attribute, Required: true, Constraint: c}
}

func weightedRule(attribute string, weight float64, c domain.Constraint) domain.MatchingRule {
	return domain.MatchingRule{Attribute: attribute, Weight: weight, Constraint: c}
}

func viewport(id string, refs ...domain.DisplaySetRef) domain.Viewport {
	return domain.Viewport{
		ViewportOptions: domain.ViewportOptions{ViewportID: id},
		DisplaySets:     refs,
	}
}

func gridStage(id string, rows, cols, minMatched int, viewports ...domain.Viewport) domain.Stage {
	return domain.Stage{
		ID:                id,
		ViewportStructure: domain.ViewportStructure{LayoutType: "grid", Properties: domain.GridProperties{Rows: rows, Columns: cols}},
		StageActivation:   domain.StageActivation{Enabled: &domain.ActivationLevel{MinViewportsMatched: intPtr(minMatched)}},
		Viewports:         viewports,
	}
}

// ctProtocol requires a CT study and shows CT series.
func ctProtocol() *domain.Protocol {
	return &domain.Protocol{
		ID:   "ct",
		Name: "CT",
		ProtocolMatchingRules: []domain.MatchingRule{
			requiredRule("ModalitiesInStudy", domain.Contains{Value: "CT"}),
		},
		DisplaySetSelectors: map[string]domain.DisplaySetSelector{
			"ctSeries": {
				ID:                  "ctSeries",
				SeriesMatchingRules: []domain.MatchingRule{requiredRule("Modality", domain.Equals{Value: "CT"})},
			},
		},
		Stages: []domain.Stage{
			gridStage("one-up", 1, 1, 1, viewport("default", domain.DisplaySetRef{ID: "ctSeries"})),
		},
	}
}
