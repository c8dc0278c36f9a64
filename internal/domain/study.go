package domain

import (
	"sort"
	"strconv"
	"strings"
)

// Attributes is a bag of denormalized metadata addressable by dotted path.
type Attributes map[string]any

// Lookup resolves a dotted path such as "study.StudyDescription" or
// "ImageOrientationPatient.0". Nested maps and slices are traversed.
// A nil value counts as absent.
func (a Attributes) Lookup(path string) (any, bool) {
	if a == nil || path == "" {
		return nil, false
	}
	if v, ok := a[path]; ok {
		return v, v != nil
	}

	var cur any = map[string]any(a)
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case Attributes:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		case []string:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// DisplaySet is a renderable unit, usually one series, as supplied by the
// metadata store.
type DisplaySet struct {
	DisplaySetInstanceUID string     `json:"displaySetInstanceUID"`
	StudyInstanceUID      string     `json:"StudyInstanceUID"`
	SeriesInstanceUID     string     `json:"SeriesInstanceUID"`
	Modality              string     `json:"Modality,omitempty"`
	SeriesDescription     string     `json:"SeriesDescription,omitempty"`
	SeriesNumber          int        `json:"SeriesNumber,omitempty"`
	NumImageFrames        int        `json:"numImageFrames,omitempty"`
	IsReconstructable     bool       `json:"isReconstructable,omitempty"`
	IsDisplaySetFromURL   bool       `json:"isDisplaySetFromUrl,omitempty"`
	Unsupported           bool       `json:"unsupported,omitempty"`
	Attributes            Attributes `json:"attributes,omitempty"`
}

// Study groups the display sets of one study with its study-level attributes.
type Study struct {
	StudyInstanceUID string       `json:"StudyInstanceUID"`
	StudyDate        string       `json:"StudyDate,omitempty"`
	StudyDescription string       `json:"StudyDescription,omitempty"`
	PatientID        string       `json:"PatientID,omitempty"`
	Attributes       Attributes   `json:"attributes,omitempty"`
	DisplaySets      []DisplaySet `json:"displaySets"`
}

// Modalities returns the distinct modalities of the study's display sets in
// first-seen order.
func (s Study) Modalities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ds := range s.DisplaySets {
		if ds.Modality == "" || seen[ds.Modality] {
			continue
		}
		seen[ds.Modality] = true
		out = append(out, ds.Modality)
	}
	return out
}

// nonImageModalities carry documents or annotations rather than pixels.
var nonImageModalities = map[string]bool{
	"SR": true, "PR": true, "KO": true, "DOC": true, "RWV": true, "REG": true,
}

var volumeModalities = map[string]bool{"CT": true, "MR": true, "PT": true, "NM": true}

// SeriesDisplaySet builds the display set for a single series. Non-image
// series are flagged unsupported; multi-frame volume series are
// reconstructable.
func SeriesDisplaySet(studyUID, seriesUID, modality, description string, number, frames int) DisplaySet {
	return DisplaySet{
		DisplaySetInstanceUID: seriesUID,
		StudyInstanceUID:      studyUID,
		SeriesInstanceUID:     seriesUID,
		Modality:              modality,
		SeriesDescription:     description,
		SeriesNumber:          number,
		NumImageFrames:        frames,
		IsReconstructable:     volumeModalities[modality] && frames > 1,
		Unsupported:           nonImageModalities[modality],
	}
}

// SortByStudyDateDesc orders studies newest first; undated studies go last.
func SortByStudyDateDesc(studies []Study) {
	sort.SliceStable(studies, func(i, j int) bool {
		a, b := studies[i].StudyDate, studies[j].StudyDate
		if a == "" || b == "" {
			return a != "" && b == ""
		}
		return a > b
	})
}
