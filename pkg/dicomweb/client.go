// Package dicomweb fetches study and series metadata from a QIDO-RS
// endpoint and turns it into the studies and display sets the matching
// engine consumes.
package dicomweb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/hanging-protocol-server/internal/domain"
)

// DICOM attribute tags used in QIDO-RS JSON responses.
const (
	tagStudyDate                  = "00080020"
	tagAccessionNumber            = "00080050"
	tagModalitiesInStudy          = "00080061"
	tagModality                   = "00080060"
	tagStudyDescription           = "00081030"
	tagSeriesDescription          = "0008103E"
	tagPatientName                = "00100010"
	tagPatientID                  = "00100020"
	tagBodyPartExamined           = "00180015"
	tagStudyInstanceUID           = "0020000D"
	tagSeriesInstanceUID          = "0020000E"
	tagSeriesNumber               = "00200011"
	tagNumberOfStudyRelatedSeries = "00201206"
	tagNumberOfSeriesInstances    = "00201209"
)

// ErrStudyNotFound is returned when QIDO-RS knows no study with the UID.
var ErrStudyNotFound = domain.ErrStudyNotFound

// Client is a QIDO-RS metadata source guarded by a rate limiter and a
// circuit breaker, with an optional cache in front.
type Client struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
	rateLimit   *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	retryCount  int
	cache       *Cache
	logger      *logrus.Logger
}

// NewClient creates a new QIDO-RS client. cache may be nil.
func NewClient(config domain.DICOMwebConfig, cache *Cache, logger *logrus.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "DICOMweb",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrStudyNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &Client{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		bearerToken: config.BearerToken,
		httpClient:  &http.Client{Timeout: config.Timeout},
		rateLimit:   rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		breaker:     breaker,
		retryCount:  config.RetryCount,
		cache:       cache,
		logger:      logger,
	}
}

// FetchStudy returns a study with one display set per series.
func (c *Client) FetchStudy(ctx context.Context, studyUID string) (*domain.Study, error) {
	if studyUID == "" {
		return nil, fmt.Errorf("study instance UID cannot be empty")
	}
	if c.cache != nil {
		if study, ok := c.cache.GetStudy(ctx, studyUID); ok {
			return study, nil
		}
	}

	body, err := c.query(ctx, "/studies", url.Values{
		"StudyInstanceUID": {studyUID},
		"includefield":     {tagModalitiesInStudy + "," + tagNumberOfStudyRelatedSeries},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query study %s: %w", studyUID, err)
	}

	results := gjson.ParseBytes(body).Array()
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStudyNotFound, studyUID)
	}

	study := parseStudy(results[0])
	if err := c.loadSeries(ctx, &study); err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.SetStudy(ctx, &study)
	}
	return &study, nil
}

// FetchPriors returns up to limit other studies of the patient, newest
// first. A limit of 0 or less returns every prior.
func (c *Client) FetchPriors(ctx context.Context, patientID, excludeStudyUID string, limit int) ([]domain.Study, error) {
	if patientID == "" {
		return nil, nil
	}
	if c.cache != nil {
		if priors, ok := c.cache.GetPriors(ctx, patientID, excludeStudyUID, limit); ok {
			return priors, nil
		}
	}

	body, err := c.query(ctx, "/studies", url.Values{
		"PatientID":    {patientID},
		"includefield": {tagModalitiesInStudy},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query priors for patient: %w", err)
	}

	var priors []domain.Study
	for _, result := range gjson.ParseBytes(body).Array() {
		study := parseStudy(result)
		if study.StudyInstanceUID == "" || study.StudyInstanceUID == excludeStudyUID {
			continue
		}
		priors = append(priors, study)
	}
	domain.SortByStudyDateDesc(priors)
	if limit > 0 && len(priors) > limit {
		priors = priors[:limit]
	}

	for i := range priors {
		if err := c.loadSeries(ctx, &priors[i]); err != nil {
			return nil, err
		}
	}

	c.logger.WithFields(logrus.Fields{
		"priors":  len(priors),
		"exclude": excludeStudyUID,
	}).Debug("Fetched prior studies")

	if c.cache != nil {
		c.cache.SetPriors(ctx, patientID, excludeStudyUID, limit, priors)
	}
	return priors, nil
}

func (c *Client) loadSeries(ctx context.Context, study *domain.Study) error {
	body, err := c.query(ctx, "/studies/"+url.PathEscape(study.StudyInstanceUID)+"/series", url.Values{
		"includefield": {tagBodyPartExamined + "," + tagNumberOfSeriesInstances},
	})
	if err != nil {
		return fmt.Errorf("failed to query series of study %s: %w", study.StudyInstanceUID, err)
	}

	for _, result := range gjson.ParseBytes(body).Array() {
		study.DisplaySets = append(study.DisplaySets, parseSeries(study.StudyInstanceUID, result))
	}
	// Servers may answer in any order; selectors break ties by position.
	sets := study.DisplaySets
	sort.SliceStable(sets, func(a, b int) bool { return sets[a].SeriesNumber < sets[b].SeriesNumber })
	return nil
}

// query performs a rate limited GET through the circuit breaker, retrying
// server errors.
func (c *Client) query(ctx context.Context, path string, params url.Values) ([]byte, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var lastErr error
		for attempt := 0; attempt <= c.retryCount; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}

			body, retry, err := c.get(ctx, path, params)
			if err == nil {
				return body, nil
			}
			lastErr = err
			if !retry {
				break
			}
			c.logger.WithError(err).WithFields(logrus.Fields{
				"path":    path,
				"attempt": attempt + 1,
			}).Debug("Retrying QIDO-RS request")
		}
		return nil, lastErr
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, bool, error) {
	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, false, fmt.Errorf("rate limit wait failed: %w", err)
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/dicom+json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return []byte("[]"), false, nil
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("QIDO-RS returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("QIDO-RS returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, false, fmt.Errorf("QIDO-RS returned invalid JSON")
	}
	return body, false, nil
}

func parseStudy(result gjson.Result) domain.Study {
	study := domain.Study{
		StudyInstanceUID: firstString(result, tagStudyInstanceUID),
		StudyDate:        firstString(result, tagStudyDate),
		StudyDescription: firstString(result, tagStudyDescription),
		PatientID:        firstString(result, tagPatientID),
		Attributes:       domain.Attributes{},
	}

	if v := firstString(result, tagAccessionNumber); v != "" {
		study.Attributes["AccessionNumber"] = v
	}
	if v := result.Get(tagPatientName + ".Value.0.Alphabetic"); v.Exists() {
		study.Attributes["PatientName"] = v.String()
	}
	if modalities := result.Get(tagModalitiesInStudy + ".Value"); modalities.IsArray() {
		var list []string
		for _, m := range modalities.Array() {
			list = append(list, m.String())
		}
		study.Attributes["ModalitiesInStudy"] = list
	}
	if v := result.Get(tagNumberOfStudyRelatedSeries + ".Value.0"); v.Exists() {
		study.Attributes["NumberOfStudyRelatedSeries"] = int(v.Int())
	}
	return study
}

func parseSeries(studyUID string, result gjson.Result) domain.DisplaySet {
	ds := domain.SeriesDisplaySet(
		studyUID,
		firstString(result, tagSeriesInstanceUID),
		firstString(result, tagModality),
		firstString(result, tagSeriesDescription),
		int(result.Get(tagSeriesNumber+".Value.0").Int()),
		int(result.Get(tagNumberOfSeriesInstances+".Value.0").Int()),
	)
	if v := firstString(result, tagBodyPartExamined); v != "" {
		ds.Attributes = domain.Attributes{"BodyPartExamined": v}
	}
	return ds
}

func firstString(result gjson.Result, tag string) string {
	return result.Get(tag + ".Value.0").String()
}

var _ domain.MetadataSource = (*Client)(nil)
