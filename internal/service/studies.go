package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

// LoadStudies fetches the active study and up to maxPriors earlier studies
// of the same patient. A negative maxPriors skips priors. Priors are
// optional: a failure fetching them is logged and the active study is
// returned alone.
func LoadStudies(ctx context.Context, source domain.MetadataSource, studyUID string, maxPriors int, logger *logrus.Logger) (*domain.MatchRequest, error) {
	study, err := source.FetchStudy(ctx, studyUID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch study %s: %w", studyUID, err)
	}
	req := &domain.MatchRequest{Studies: []domain.Study{*study}}

	if maxPriors < 0 || study.PatientID == "" {
		return req, nil
	}

	priors, err := source.FetchPriors(ctx, study.PatientID, study.StudyInstanceUID, maxPriors)
	if err != nil {
		logger.WithError(err).WithField("study_uid", study.StudyInstanceUID).Warn("Failed to fetch priors")
		return req, nil
	}
	req.PriorStudies = priors
	return req, nil
}
