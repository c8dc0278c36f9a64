// Package dicomfile builds studies from DICOM Part 10 files on disk, for
// running the matching engine without a DICOMweb server.
package dicomfile

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gradienthealth/dicom"
	"github.com/gradienthealth/dicom/dicomtag"
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

var (
	tagStudyDate         = dicomtag.Tag{Group: 0x0008, Element: 0x0020}
	tagModality          = dicomtag.Tag{Group: 0x0008, Element: 0x0060}
	tagStudyDescription  = dicomtag.Tag{Group: 0x0008, Element: 0x1030}
	tagSeriesDescription = dicomtag.Tag{Group: 0x0008, Element: 0x103E}
	tagPatientID         = dicomtag.Tag{Group: 0x0010, Element: 0x0020}
	tagBodyPartExamined  = dicomtag.Tag{Group: 0x0018, Element: 0x0015}
	tagStudyInstanceUID  = dicomtag.Tag{Group: 0x0020, Element: 0x000D}
	tagSeriesInstanceUID = dicomtag.Tag{Group: 0x0020, Element: 0x000E}
	tagSeriesNumber      = dicomtag.Tag{Group: 0x0020, Element: 0x0011}
	tagNumberOfFrames    = dicomtag.Tag{Group: 0x0028, Element: 0x0008}
)

// Instance holds the header fields of one DICOM file that matter for
// grouping into studies and display sets.
type Instance struct {
	Path              string
	StudyInstanceUID  string
	StudyDate         string
	StudyDescription  string
	PatientID         string
	SeriesInstanceUID string
	Modality          string
	SeriesDescription string
	SeriesNumber      int
	BodyPartExamined  string
	NumberOfFrames    int
}

// Loader reads DICOM headers from a directory tree.
type Loader struct {
	logger *logrus.Logger
}

// NewLoader creates a new DICOM file loader
func NewLoader(logger *logrus.Logger) *Loader {
	return &Loader{logger: logger}
}

// LoadDirectory parses every DICOM file below root and groups the
// instances into studies. Files that are not DICOM are skipped.
func (l *Loader) LoadDirectory(ctx context.Context, root string) ([]domain.Study, error) {
	var instances []Instance
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		inst, err := ReadInstance(path)
		if err != nil {
			l.logger.WithError(err).WithField("path", path).Debug("Skipping non-DICOM file")
			return nil
		}
		instances = append(instances, *inst)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	studies := GroupInstances(instances)
	l.logger.WithFields(logrus.Fields{
		"root":      root,
		"instances": len(instances),
		"studies":   len(studies),
	}).Info("Loaded DICOM directory")
	return studies, nil
}

// ReadInstance parses the header of one DICOM file.
func ReadInstance(path string) (*Instance, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := dicom.NewParser(f, info.Size(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create parser: %w", err)
	}
	ds, err := p.Parse(dicom.ParseOptions{DropPixelData: true})
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	inst := &Instance{
		Path:              path,
		StudyInstanceUID:  stringValue(ds, tagStudyInstanceUID),
		StudyDate:         stringValue(ds, tagStudyDate),
		StudyDescription:  stringValue(ds, tagStudyDescription),
		PatientID:         stringValue(ds, tagPatientID),
		SeriesInstanceUID: stringValue(ds, tagSeriesInstanceUID),
		Modality:          stringValue(ds, tagModality),
		SeriesDescription: stringValue(ds, tagSeriesDescription),
		SeriesNumber:      intValue(ds, tagSeriesNumber),
		BodyPartExamined:  stringValue(ds, tagBodyPartExamined),
		NumberOfFrames:    intValue(ds, tagNumberOfFrames),
	}
	if inst.StudyInstanceUID == "" || inst.SeriesInstanceUID == "" {
		return nil, fmt.Errorf("%s has no study or series instance UID", path)
	}
	return inst, nil
}

// GroupInstances builds one study per StudyInstanceUID and one display set
// per series. Studies are ordered newest first and series by number.
// Frame counts add up; a single-frame instance counts as one frame.
func GroupInstances(instances []Instance) []domain.Study {
	studyIndex := make(map[string]int)
	seriesIndex := make(map[string]int)
	var studies []domain.Study

	for _, inst := range instances {
		si, ok := studyIndex[inst.StudyInstanceUID]
		if !ok {
			si = len(studies)
			studyIndex[inst.StudyInstanceUID] = si
			studies = append(studies, domain.Study{
				StudyInstanceUID: inst.StudyInstanceUID,
				StudyDate:        inst.StudyDate,
				StudyDescription: inst.StudyDescription,
				PatientID:        inst.PatientID,
			})
		}
		study := &studies[si]

		frames := inst.NumberOfFrames
		if frames <= 0 {
			frames = 1
		}

		key := inst.StudyInstanceUID + "|" + inst.SeriesInstanceUID
		if di, ok := seriesIndex[key]; ok {
			study.DisplaySets[di].NumImageFrames += frames
			continue
		}
		ds := domain.SeriesDisplaySet(inst.StudyInstanceUID, inst.SeriesInstanceUID,
			inst.Modality, inst.SeriesDescription, inst.SeriesNumber, frames)
		if inst.BodyPartExamined != "" {
			ds.Attributes = domain.Attributes{"BodyPartExamined": inst.BodyPartExamined}
		}
		seriesIndex[key] = len(study.DisplaySets)
		study.DisplaySets = append(study.DisplaySets, ds)
	}

	for i := range studies {
		sets := studies[i].DisplaySets
		sort.SliceStable(sets, func(a, b int) bool { return sets[a].SeriesNumber < sets[b].SeriesNumber })
		for j := range sets {
			sets[j].IsReconstructable = domain.SeriesDisplaySet("", "", sets[j].Modality, "", 0, sets[j].NumImageFrames).IsReconstructable
		}
	}
	domain.SortByStudyDateDesc(studies)
	return studies
}

func stringValue(ds *dicom.DataSet, tag dicomtag.Tag) string {
	e, err := ds.FindElementByTag(tag)
	if err != nil || len(e.Value) == 0 {
		return ""
	}
	switch v := e.Value[0].(type) {
	case string:
		return strings.TrimSpace(strings.TrimRight(v, "\x00"))
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func intValue(ds *dicom.DataSet, tag dicomtag.Tag) int {
	n, err := strconv.Atoi(stringValue(ds, tag))
	if err != nil {
		return 0
	}
	return n
}
