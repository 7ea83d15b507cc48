package proofcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type stubAnalyzer struct {
	mu           sync.Mutex
	analyzeCalls int
	analyzeFails int
	statusCalls  int
	statuses     []string
	result       resultPayload
	lastAnalyze  analyzePayload
}

func (s *stubAnalyzer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.analyzeCalls++
		if s.analyzeFails > 0 {
			s.analyzeFails--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&s.lastAnalyze); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.statusCalls++
		status := statusPending
		if len(s.statuses) > 0 {
			status = s.statuses[0]
			if len(s.statuses) > 1 {
				s.statuses = s.statuses[1:]
			}
		}
		writeJSON(w, statusPayload{Status: status})
	})
	mux.HandleFunc("/result/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, s.result)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *stubAnalyzer) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analyzeCalls, s.statusCalls
}

func instantSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestClient(t *testing.T, baseURL string, maxAttempts int) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:             baseURL,
		InitialPollInterval: time.Millisecond,
		PollIncrement:       time.Millisecond,
		MaxPollAttempts:     maxAttempts,
		Sleep:               instantSleep,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func testJob() Job {
	return Job{
		ProcessingID: "job-1",
		ImagePath:    "trail-1/runner-1/2_1700000600_proof.jpg",
		Subject:      "bronze statue of a fox",
		Location:     LocationConstraint{Latitude: -22.3321, Longitude: 32.0023, MaxDistanceMeters: 50},
		Window:       TimeWindow{Start: time.Unix(1700000600, 0).UTC(), Duration: 90 * time.Minute},
	}
}

func TestValidateAcceptedAfterPendingPolls(t *testing.T) {
	stub := &stubAnalyzer{
		statuses: []string{statusPending, statusPending, statusCompleted},
		result:   resultPayload{Resolution: resolutionAccepted, ContentMatch: true, LocationMatch: true},
	}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestClient(t, server.URL, 10)
	verdict := client.Validate(context.Background(), testJob())

	if verdict.Resolution != ResolutionAccepted {
		t.Fatalf("expected accepted verdict, got %s (reasons %v)", verdict.Resolution, verdict.Reasons)
	}
	if !verdict.ContentMatch || !verdict.LocationMatch {
		t.Fatalf("expected both checks to pass, got content=%v location=%v", verdict.ContentMatch, verdict.LocationMatch)
	}
	if _, statusCalls := stub.counts(); statusCalls != 3 {
		t.Fatalf("expected 3 status polls, got %d", statusCalls)
	}
	if stub.lastAnalyze.ProcessingID != "job-1" {
		t.Fatalf("unexpected processing id in analyze payload: %q", stub.lastAnalyze.ProcessingID)
	}
	if stub.lastAnalyze.AnalysisRequest.Content != "bronze statue of a fox" {
		t.Fatalf("unexpected subject in analyze payload: %q", stub.lastAnalyze.AnalysisRequest.Content)
	}
	if stub.lastAnalyze.AnalysisRequest.Datetime.DurationSeconds != 5400 {
		t.Fatalf("unexpected window duration: %d", stub.lastAnalyze.AnalysisRequest.Datetime.DurationSeconds)
	}
	if stub.lastAnalyze.AnalysisRequest.Location.MaxDistanceMeters != 50 {
		t.Fatalf("unexpected location constraint: %+v", stub.lastAnalyze.AnalysisRequest.Location)
	}
}

func TestValidateRejectionKeepsChecksIndependent(t *testing.T) {
	testCases := []struct {
		name            string
		result          resultPayload
		expectedReasons []string
		contentMatch    bool
		locationMatch   bool
	}{
		{
			name:            "analyzer reasons pass through",
			result:          resultPayload{Resolution: "rejected", ContentMatch: true, LocationMatch: false, Reasons: []string{"image taken 400m from waypoint"}},
			expectedReasons: []string{"image taken 400m from waypoint"},
			contentMatch:    true,
			locationMatch:   false,
		},
		{
			name:            "content mismatch gets default reason",
			result:          resultPayload{Resolution: "rejected", ContentMatch: false, LocationMatch: true},
			expectedReasons: []string{"content_mismatch"},
			contentMatch:    false,
			locationMatch:   true,
		},
		{
			name:            "both mismatches get both reasons",
			result:          resultPayload{Resolution: "rejected"},
			expectedReasons: []string{"content_mismatch", "location_mismatch"},
		},
		{
			name:            "accepted resolution without matches is rejected",
			result:          resultPayload{Resolution: resolutionAccepted, ContentMatch: true, LocationMatch: false},
			expectedReasons: []string{"location_mismatch"},
			contentMatch:    true,
			locationMatch:   false,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			stub := &stubAnalyzer{statuses: []string{statusCompleted}, result: testCase.result}
			server := httptest.NewServer(stub.handler())
			defer server.Close()

			verdict := newTestClient(t, server.URL, 5).Validate(context.Background(), testJob())

			if verdict.Resolution != ResolutionRejected {
				t.Fatalf("expected rejected verdict, got %s", verdict.Resolution)
			}
			if verdict.Accepted() {
				t.Fatalf("rejected verdict must not report accepted")
			}
			if verdict.ContentMatch != testCase.contentMatch || verdict.LocationMatch != testCase.locationMatch {
				t.Fatalf("unexpected matches: content=%v location=%v", verdict.ContentMatch, verdict.LocationMatch)
			}
			if strings.Join(verdict.Reasons, "|") != strings.Join(testCase.expectedReasons, "|") {
				t.Fatalf("expected reasons %v, got %v", testCase.expectedReasons, verdict.Reasons)
			}
		})
	}
}

func TestValidatePollCapYieldsTimeout(t *testing.T) {
	stub := &stubAnalyzer{statuses: []string{statusPending}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	verdict := newTestClient(t, server.URL, 4).Validate(context.Background(), testJob())

	if verdict.Resolution != ResolutionTimeout {
		t.Fatalf("expected timeout verdict, got %s", verdict.Resolution)
	}
	if len(verdict.Reasons) != 1 || verdict.Reasons[0] != "timeout" {
		t.Fatalf("unexpected timeout reasons: %v", verdict.Reasons)
	}
	if _, statusCalls := stub.counts(); statusCalls != 4 {
		t.Fatalf("expected poll cap of 4 attempts, got %d", statusCalls)
	}
}

func TestValidateFailedAnalysisRejects(t *testing.T) {
	stub := &stubAnalyzer{statuses: []string{statusFailed}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	verdict := newTestClient(t, server.URL, 5).Validate(context.Background(), testJob())

	if verdict.Resolution != ResolutionRejected {
		t.Fatalf("expected rejected verdict, got %s", verdict.Resolution)
	}
	if len(verdict.Reasons) != 1 || verdict.Reasons[0] != "analysis_failed" {
		t.Fatalf("unexpected reasons: %v", verdict.Reasons)
	}
}

func TestValidateSubmitRetriesBeforeUnavailable(t *testing.T) {
	stub := &stubAnalyzer{analyzeFails: 100}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	verdict := newTestClient(t, server.URL, 5).Validate(context.Background(), testJob())

	if verdict.Resolution != ResolutionUnavailable {
		t.Fatalf("expected unavailable verdict, got %s", verdict.Resolution)
	}
	if len(verdict.Reasons) != 1 || verdict.Reasons[0] != "validator_unavailable" {
		t.Fatalf("unexpected reasons: %v", verdict.Reasons)
	}
	if analyzeCalls, _ := stub.counts(); analyzeCalls != defaultMaxNetworkRetries {
		t.Fatalf("expected %d submit attempts, got %d", defaultMaxNetworkRetries, analyzeCalls)
	}
}

func TestValidateSubmitRecoversFromTransientError(t *testing.T) {
	stub := &stubAnalyzer{
		analyzeFails: 1,
		statuses:     []string{statusCompleted},
		result:       resultPayload{Resolution: resolutionAccepted, ContentMatch: true, LocationMatch: true},
	}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	verdict := newTestClient(t, server.URL, 5).Validate(context.Background(), testJob())

	if verdict.Resolution != ResolutionAccepted {
		t.Fatalf("expected accepted verdict after retry, got %s", verdict.Resolution)
	}
	if analyzeCalls, _ := stub.counts(); analyzeCalls != 2 {
		t.Fatalf("expected 2 submit attempts, got %d", analyzeCalls)
	}
}

func TestValidateUnreachableAnalyzerIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	verdict := newTestClient(t, baseURL, 5).Validate(context.Background(), testJob())

	if verdict.Resolution != ResolutionUnavailable {
		t.Fatalf("expected unavailable verdict, got %s", verdict.Resolution)
	}
}

func TestValidateCancelledContextIsUnavailable(t *testing.T) {
	stub := &stubAnalyzer{statuses: []string{statusPending}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	verdict := newTestClient(t, server.URL, 5).Validate(ctx, testJob())

	if verdict.Resolution != ResolutionUnavailable {
		t.Fatalf("expected unavailable verdict on cancelled context, got %s", verdict.Resolution)
	}
}

func TestValidatePollScheduleGrowsLinearly(t *testing.T) {
	stub := &stubAnalyzer{
		statuses: []string{statusPending, statusPending, statusCompleted},
		result:   resultPayload{Resolution: resolutionAccepted, ContentMatch: true, LocationMatch: true},
	}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	var sleeps []time.Duration
	client, err := NewClient(ClientConfig{
		BaseURL:             server.URL,
		InitialPollInterval: time.Second,
		PollIncrement:       100 * time.Millisecond,
		MaxPollAttempts:     10,
		Sleep: func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if verdict := client.Validate(context.Background(), testJob()); verdict.Resolution != ResolutionAccepted {
		t.Fatalf("expected accepted verdict, got %s", verdict.Resolution)
	}

	expected := []time.Duration{time.Second, 1100 * time.Millisecond, 1200 * time.Millisecond}
	if len(sleeps) != len(expected) {
		t.Fatalf("expected %d sleeps, got %d (%v)", len(expected), len(sleeps), sleeps)
	}
	for i, d := range expected {
		if sleeps[i] != d {
			t.Fatalf("sleep %d: expected %s, got %s", i, d, sleeps[i])
		}
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
