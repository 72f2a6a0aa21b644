package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/miradorstack/mirador-recovery/internal/cache"
	"github.com/miradorstack/mirador-recovery/internal/models"
)

func closedIncident() *models.Incident {
	opened := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	closed := opened.Add(10 * time.Minute)
	finished := opened.Add(time.Minute)
	return &models.Incident{
		IncidentID:       "0b8e2e1c-6f0a-4c1e-9d51-9a1f4f3c2b10",
		TargetID:         "api",
		OpenedAt:         opened,
		ClosedAt:         &closed,
		Severity:         models.SeverityP2,
		FailureSignature: "web:unreachable:1a2b3c4d",
		Status:           models.IncidentResolved,
		Attempts: []models.RecoveryAttempt{
			{Strategy: models.StrategyQuickRestart, Outcome: models.AttemptFailure, StartedAt: opened, FinishedAt: &finished},
			{Strategy: models.StrategySafeModeRestart, Outcome: models.AttemptSuccess, StartedAt: finished, FinishedAt: &finished},
		},
	}
}

func TestArchiveDisabledWithoutEndpoint(t *testing.T) {
	archive := NewIncidentArchive("", "", time.Second, cache.NoopProvider{}, 0)
	if archive.Enabled() {
		t.Fatalf("archive without endpoint must be disabled")
	}
	if err := archive.Archive(context.Background(), closedIncident()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	similar, err := archive.SimilarIncidents(context.Background(), "web:unreachable:1a2b3c4d", 5)
	if err != nil || similar != nil {
		t.Fatalf("expected no results, got %v (%v)", similar, err)
	}
}

func TestArchiveStoresIncident(t *testing.T) {
	archive := NewIncidentArchive("https://weaviate.test", "secret", time.Second, nil, 0)
	archive.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/objects" {
			t.Fatalf("unexpected path %s", req.URL.Path)
		}
		if req.Header.Get("Authorization") != "Bearer secret" {
			t.Fatalf("missing bearer token")
		}
		var payload struct {
			Class      string                 `json:"class"`
			ID         string                 `json:"id"`
			Properties map[string]interface{} `json:"properties"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Class != "RecoveryIncident" || payload.ID == "" {
			t.Fatalf("unexpected payload %+v", payload)
		}
		if payload.Properties["resolvedBy"] != string(models.StrategySafeModeRestart) {
			t.Fatalf("expected resolvedBy SafeModeRestart, got %v", payload.Properties["resolvedBy"])
		}
		return jsonResponse(http.StatusOK, `{}`), nil
	}))
	if err := archive.Archive(context.Background(), closedIncident()); err != nil {
		t.Fatalf("Archive: %v", err)
	}
}

func TestSimilarIncidentsCachesResults(t *testing.T) {
	hits := 0
	cacheStub := newCountingCache()
	archive := NewIncidentArchive("https://weaviate.test", "", time.Second, cacheStub, time.Minute)
	archive.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/v1/objects":
			return jsonResponse(http.StatusOK, `{}`), nil
		case "/v1/graphql":
			hits++
		default:
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		return jsonResponse(http.StatusOK, `{"data":{"Get":{"RecoveryIncident":[{"incidentId":"inc-1","targetId":"api","failureSignature":"web:unreachable:1a2b3c4d","status":"RESOLVED","resolvedBy":"SafeModeRestart","openedAt":"2026-01-02T15:04:05Z","closedAt":"2026-01-02T15:14:05Z"}]}}}`), nil
	}))

	ctx := context.Background()
	first, err := archive.SimilarIncidents(ctx, "web:unreachable:1a2b3c4d", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 1 || first[0].ResolvedBy != "SafeModeRestart" {
		t.Fatalf("unexpected payload %+v", first)
	}
	second, err := archive.SimilarIncidents(ctx, "web:unreachable:1a2b3c4d", 5)
	if err != nil || len(second) != 1 {
		t.Fatalf("unexpected cached result %+v (%v)", second, err)
	}
	if hits != 1 {
		t.Fatalf("cache miss triggered network call; hits=%d", hits)
	}

	if err := archive.Archive(ctx, closedIncident()); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if cacheStub.dels != 1 {
		t.Fatalf("archiving must invalidate cached similar incidents")
	}
}

func TestSimilarIncidentsUpstreamError(t *testing.T) {
	archive := NewIncidentArchive("https://weaviate.test", "", time.Second, nil, 0)
	archive.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusInternalServerError, `boom`), nil
	}))
	if _, err := archive.SimilarIncidents(context.Background(), "sig", 5); err == nil {
		t.Fatalf("expected upstream error")
	}
}
