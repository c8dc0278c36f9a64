package protocolstore

import (
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel) // Suppress logs during testing
	return logger
}

func testProtocol(id string) *domain.Protocol {
	one := 1
	return &domain.Protocol{
		ID: id,
		ProtocolMatchingRules: []domain.MatchingRule{
			{Attribute: "ModalitiesInStudy", Required: true, Constraint: domain.Contains{Value: "CT"}},
		},
		DisplaySetSelectors: map[string]domain.DisplaySetSelector{
			"ct": {
				SeriesMatchingRules: []domain.MatchingRule{
					{Attribute: "Modality", Required: true, Constraint: domain.Equals{Value: "CT"}},
				},
			},
		},
		Stages: []domain.Stage{
			{
				ID:                "one-up",
				ViewportStructure: domain.ViewportStructure{LayoutType: "grid", Properties: domain.GridProperties{Rows: 1, Columns: 1}},
				StageActivation:   domain.StageActivation{Enabled: &domain.ActivationLevel{MinViewportsMatched: &one}},
				Viewports:         []domain.Viewport{{DisplaySets: []domain.DisplaySetRef{{ID: "ct"}}}},
			},
		},
	}
}
