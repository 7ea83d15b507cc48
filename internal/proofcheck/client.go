// Package proofcheck drives the submit/poll/result protocol against the
// external proof-analysis service and stores the proof images it consumes.
package proofcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/serviceerror"
)

const (
	defaultInitialPollInterval = time.Second
	defaultPollIncrement       = 100 * time.Millisecond
	defaultMaxPollAttempts     = 30
	defaultMaxNetworkRetries   = 3
	defaultRequestTimeout      = 15 * time.Second

	opClientNew = "proofcheck.client.new"
	opValidate  = "proofcheck.validate"

	reasonMissingBaseURL = "missing_base_url"

	statusPending   = "pending"
	statusCompleted = "completed"
	statusFailed    = "failed"

	resolutionAccepted = "accepted"
)

// Resolution classifies the final outcome of one validation job.
type Resolution string

const (
	// ResolutionAccepted means both content and location checks passed.
	ResolutionAccepted Resolution = "accepted"
	// ResolutionRejected means at least one check failed.
	ResolutionRejected Resolution = "rejected"
	// ResolutionTimeout means the poll attempt cap was reached before the
	// analyzer finished.
	ResolutionTimeout Resolution = "timeout"
	// ResolutionUnavailable means the analyzer could not be reached after
	// bounded retries; distinct from a rejection so callers never conflate
	// a bad proof with a degraded system.
	ResolutionUnavailable Resolution = "unavailable"
)

// LocationConstraint bounds where the proof image must have been taken.
type LocationConstraint struct {
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	MaxDistanceMeters float64 `json:"max_distance_meters"`
}

// TimeWindow bounds when the proof image must have been taken.
type TimeWindow struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"-"`
}

// Job describes one validation request.
type Job struct {
	ProcessingID string
	ImagePath    string
	Subject      string
	Location     LocationConstraint
	Window       TimeWindow
}

// Verdict carries the analyzer's decision with independent content and
// location results.
type Verdict struct {
	Resolution    Resolution
	ContentMatch  bool
	LocationMatch bool
	Reasons       []string
}

// Accepted reports whether the proof passed overall.
func (v Verdict) Accepted() bool {
	return v.Resolution == ResolutionAccepted
}

// ClientConfig configures the validator client.
type ClientConfig struct {
	BaseURL             string
	HTTPClient          *http.Client
	InitialPollInterval time.Duration
	PollIncrement       time.Duration
	MaxPollAttempts     int
	MaxNetworkRetries   int
	Logger              *zap.Logger
	// Sleep is injectable for tests; defaults to a context-aware timer sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client submits analysis jobs and polls them to completion. The poll
// schedule starts at the initial interval and grows linearly per attempt;
// the attempt cap turns an unresponsive analyzer into a deterministic
// Timeout verdict instead of an unbounded wait.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	pollInitial   time.Duration
	pollIncrement time.Duration
	maxAttempts   int
	maxRetries    int
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewClient constructs a validator client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, serviceerror.New(opClientNew, reasonMissingBaseURL, errors.New("validator base url is required"))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	pollInitial := cfg.InitialPollInterval
	if pollInitial <= 0 {
		pollInitial = defaultInitialPollInterval
	}
	pollIncrement := cfg.PollIncrement
	if pollIncrement < 0 {
		pollIncrement = defaultPollIncrement
	}
	maxAttempts := cfg.MaxPollAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxPollAttempts
	}
	maxRetries := cfg.MaxNetworkRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxNetworkRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	return &Client{
		baseURL:       baseURL,
		httpClient:    httpClient,
		pollInitial:   pollInitial,
		pollIncrement: pollIncrement,
		maxAttempts:   maxAttempts,
		maxRetries:    maxRetries,
		logger:        logger,
		sleep:         sleep,
	}, nil
}

type analyzePayload struct {
	ProcessingID    string                 `json:"processing_id"`
	ImagePath       string                 `json:"image_path"`
	AnalysisRequest analysisRequestPayload `json:"analysis_request"`
}

type analysisRequestPayload struct {
	Content  string              `json:"content"`
	Location LocationConstraint  `json:"location"`
	Datetime datetimeConstraints `json:"datetime"`
}

type datetimeConstraints struct {
	Start           time.Time `json:"start"`
	DurationSeconds int64     `json:"duration_seconds"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type resultPayload struct {
	Resolution    string   `json:"resolution"`
	ContentMatch  bool     `json:"content_match"`
	LocationMatch bool     `json:"location_match"`
	Reasons       []string `json:"reasons"`
}

// Validate runs the full protocol for one job and always returns a verdict;
// infrastructure failures surface as ResolutionUnavailable rather than an
// error so the caller has a single outcome channel to record.
func (c *Client) Validate(ctx context.Context, job Job) Verdict {
	if err := c.submit(ctx, job); err != nil {
		c.logger.Warn("proof validation submit failed",
			zap.String("processing_id", job.ProcessingID),
			zap.Error(err))
		return Verdict{Resolution: ResolutionUnavailable, Reasons: []string{"validator_unavailable"}}
	}

	interval := c.pollInitial
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.sleep(ctx, interval); err != nil {
			return Verdict{Resolution: ResolutionUnavailable, Reasons: []string{"validator_unavailable"}}
		}
		interval += c.pollIncrement

		status, err := c.pollStatus(ctx, job.ProcessingID)
		if err != nil {
			c.logger.Warn("proof validation poll failed",
				zap.String("processing_id", job.ProcessingID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return Verdict{Resolution: ResolutionUnavailable, Reasons: []string{"validator_unavailable"}}
		}

		switch status {
		case statusPending:
			continue
		case statusCompleted:
			verdict, err := c.fetchResult(ctx, job.ProcessingID)
			if err != nil {
				c.logger.Warn("proof validation result fetch failed",
					zap.String("processing_id", job.ProcessingID),
					zap.Error(err))
				return Verdict{Resolution: ResolutionUnavailable, Reasons: []string{"validator_unavailable"}}
			}
			return verdict
		case statusFailed:
			return Verdict{Resolution: ResolutionRejected, Reasons: []string{"analysis_failed"}}
		default:
			return Verdict{Resolution: ResolutionUnavailable, Reasons: []string{"validator_unavailable"}}
		}
	}

	c.logger.Warn("proof validation poll cap reached",
		zap.String("processing_id", job.ProcessingID),
		zap.Int("attempts", c.maxAttempts))
	return Verdict{Resolution: ResolutionTimeout, Reasons: []string{"timeout"}}
}

func (c *Client) submit(ctx context.Context, job Job) error {
	payload := analyzePayload{
		ProcessingID: job.ProcessingID,
		ImagePath:    job.ImagePath,
		AnalysisRequest: analysisRequestPayload{
			Content:  job.Subject,
			Location: job.Location,
			Datetime: datetimeConstraints{
				Start:           job.Window.Start.UTC(),
				DurationSeconds: int64(job.Window.Duration.Seconds()),
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return serviceerror.New(opValidate, "encode_failed", err)
	}

	return c.withRetries(ctx, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
		if err != nil {
			return err
		}
		request.Header.Set("Content-Type", "application/json")
		response, err := c.httpClient.Do(request)
		if err != nil {
			return err
		}
		defer drainAndClose(response.Body)
		if response.StatusCode != http.StatusAccepted && response.StatusCode != http.StatusOK {
			return fmt.Errorf("analyze returned status %d", response.StatusCode)
		}
		return nil
	})
}

func (c *Client) pollStatus(ctx context.Context, processingID string) (string, error) {
	var status string
	err := c.withRetries(ctx, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+processingID, http.NoBody)
		if err != nil {
			return err
		}
		response, err := c.httpClient.Do(request)
		if err != nil {
			return err
		}
		defer drainAndClose(response.Body)
		if response.StatusCode != http.StatusOK {
			return fmt.Errorf("status returned %d", response.StatusCode)
		}
		var payload statusPayload
		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			return err
		}
		status = payload.Status
		return nil
	})
	return status, err
}

func (c *Client) fetchResult(ctx context.Context, processingID string) (Verdict, error) {
	var verdict Verdict
	err := c.withRetries(ctx, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/result/"+processingID, http.NoBody)
		if err != nil {
			return err
		}
		response, err := c.httpClient.Do(request)
		if err != nil {
			return err
		}
		defer drainAndClose(response.Body)
		if response.StatusCode != http.StatusOK {
			return fmt.Errorf("result returned %d", response.StatusCode)
		}
		var payload resultPayload
		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			return err
		}
		verdict = verdictFromResult(payload)
		return nil
	})
	return verdict, err
}

// verdictFromResult keeps content and location independently reportable even
// when the analyzer only sends an overall resolution.
func verdictFromResult(payload resultPayload) Verdict {
	verdict := Verdict{
		ContentMatch:  payload.ContentMatch,
		LocationMatch: payload.LocationMatch,
		Reasons:       payload.Reasons,
	}
	if payload.Resolution == resolutionAccepted && payload.ContentMatch && payload.LocationMatch {
		verdict.Resolution = ResolutionAccepted
		return verdict
	}
	verdict.Resolution = ResolutionRejected
	if len(verdict.Reasons) == 0 {
		if !payload.ContentMatch {
			verdict.Reasons = append(verdict.Reasons, "content_mismatch")
		}
		if !payload.LocationMatch {
			verdict.Reasons = append(verdict.Reasons, "location_mismatch")
		}
	}
	return verdict
}

// withRetries runs call up to the retry cap, sleeping the poll-initial
// interval between failures.
func (c *Client) withRetries(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.pollInitial); err != nil {
				return err
			}
		}
		if lastErr = call(); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
