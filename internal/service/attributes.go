package service

import (
	"github.com/hanging-protocol-server/internal/domain"
)

// Derived attribute names exposed to matching rules.
const (
	AttrNumberOfStudyRelatedSeries     = "NumberOfStudyRelatedSeries"
	AttrNumberOfSeriesRelatedInstances = "NumberOfSeriesRelatedInstances"
	AttrModalitiesInStudy              = "ModalitiesInStudy"
	AttrDisplaySetsWithImages          = "numberOfDisplaySetsWithImages"
	AttrIsPrior                        = "isPrior"
	AttrIsCurrent                      = "isCurrent"
	AttrStudyIndex                     = "StudyIndex"
	AttrStudy                          = "study"
)

// StudyAttributes flattens a study into the attribute bag used by protocol
// and study matching rules. index 0 is the active study.
func StudyAttributes(study domain.Study, index int, isPrior bool) domain.Attributes {
	attrs := make(domain.Attributes, len(study.Attributes)+10)
	for k, v := range study.Attributes {
		attrs[k] = v
	}

	setString(attrs, "StudyInstanceUID", study.StudyInstanceUID)
	setString(attrs, "StudyDate", study.StudyDate)
	setString(attrs, "StudyDescription", study.StudyDescription)
	setString(attrs, "PatientID", study.PatientID)

	series := make(map[string]bool)
	withImages := 0
	for _, ds := range study.DisplaySets {
		if ds.SeriesInstanceUID != "" {
			series[ds.SeriesInstanceUID] = true
		}
		if !ds.Unsupported && ds.NumImageFrames > 0 {
			withImages++
		}
	}

	if _, ok := attrs[AttrNumberOfStudyRelatedSeries]; !ok {
		attrs[AttrNumberOfStudyRelatedSeries] = len(series)
	}
	if _, ok := attrs[AttrModalitiesInStudy]; !ok {
		attrs[AttrModalitiesInStudy] = study.Modalities()
	}
	attrs[AttrDisplaySetsWithImages] = withImages
	attrs[AttrIsPrior] = isPrior
	attrs[AttrIsCurrent] = index == 0
	attrs[AttrStudyIndex] = index
	return attrs
}

// DisplaySetAttributes flattens a display set for series matching rules.
// Study-level attributes are reachable under "study.".
func DisplaySetAttributes(ds domain.DisplaySet, studyAttrs domain.Attributes) domain.Attributes {
	attrs := make(domain.Attributes, len(ds.Attributes)+12)
	for k, v := range ds.Attributes {
		attrs[k] = v
	}

	setString(attrs, "displaySetInstanceUID", ds.DisplaySetInstanceUID)
	setString(attrs, "StudyInstanceUID", ds.StudyInstanceUID)
	setString(attrs, "SeriesInstanceUID", ds.SeriesInstanceUID)
	setString(attrs, "Modality", ds.Modality)
	setString(attrs, "SeriesDescription", ds.SeriesDescription)

	attrs["SeriesNumber"] = ds.SeriesNumber
	attrs["numImageFrames"] = ds.NumImageFrames
	attrs[AttrNumberOfSeriesRelatedInstances] = ds.NumImageFrames
	attrs["isReconstructable"] = ds.IsReconstructable
	attrs["isDisplaySetFromUrl"] = ds.IsDisplaySetFromURL
	if studyAttrs != nil {
		attrs[AttrStudy] = studyAttrs
	}
	return attrs
}

func setString(attrs domain.Attributes, key, value string) {
	if value != "" {
		attrs[key] = value
	}
}
