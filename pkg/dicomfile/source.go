package dicomfile

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

// Source serves studies loaded from a DICOM directory as a metadata source.
type Source struct {
	mu      sync.RWMutex
	studies []domain.Study
	byUID   map[string]int
	logger  *logrus.Logger
}

// NewSource creates a source over already grouped studies.
func NewSource(studies []domain.Study, logger *logrus.Logger) *Source {
	s := &Source{logger: logger}
	s.replace(studies)
	return s
}

// OpenDirectory loads root and returns a source over its studies.
func OpenDirectory(ctx context.Context, root string, logger *logrus.Logger) (*Source, error) {
	studies, err := NewLoader(logger).LoadDirectory(ctx, root)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"dir":     root,
		"studies": len(studies),
	}).Info("Loaded DICOM directory")
	return NewSource(studies, logger), nil
}

// Reload rereads root, replacing the served studies.
func (s *Source) Reload(ctx context.Context, root string) error {
	studies, err := NewLoader(s.logger).LoadDirectory(ctx, root)
	if err != nil {
		return err
	}
	s.replace(studies)
	return nil
}

func (s *Source) replace(studies []domain.Study) {
	sorted := append([]domain.Study(nil), studies...)
	domain.SortByStudyDateDesc(sorted)

	byUID := make(map[string]int, len(sorted))
	for i, st := range sorted {
		byUID[st.StudyInstanceUID] = i
	}

	s.mu.Lock()
	s.studies = sorted
	s.byUID = byUID
	s.mu.Unlock()
}

// Studies returns every loaded study, newest first.
func (s *Source) Studies() []domain.Study {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Study(nil), s.studies...)
}

// FetchStudy returns the study with the given UID.
func (s *Source) FetchStudy(ctx context.Context, studyInstanceUID string) (*domain.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byUID[studyInstanceUID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStudyNotFound, studyInstanceUID)
	}
	study := s.studies[i]
	return &study, nil
}

// FetchPriors returns the patient's other studies, newest first. A limit of
// zero returns every prior.
func (s *Source) FetchPriors(ctx context.Context, patientID, excludeStudyUID string, limit int) ([]domain.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var priors []domain.Study
	for _, st := range s.studies {
		if st.PatientID != patientID || st.StudyInstanceUID == excludeStudyUID {
			continue
		}
		priors = append(priors, st)
		if limit > 0 && len(priors) == limit {
			break
		}
	}
	return priors, nil
}

var _ domain.MetadataSource = (*Source)(nil)
