package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-recovery/internal/cache"
	"github.com/miradorstack/mirador-recovery/internal/models"
)

const archiveClass = "RecoveryIncident"

// ArchivedIncident is the post-mortem view of a closed incident.
type ArchivedIncident struct {
	IncidentID       string    `json:"incident_id"`
	TargetID         string    `json:"target_id"`
	FailureSignature string    `json:"failure_signature"`
	Severity         string    `json:"severity"`
	Status           string    `json:"status"`
	Resolution       string    `json:"resolution,omitempty"`
	ResolvedBy       string    `json:"resolved_by,omitempty"`
	Attempts         []string  `json:"attempts,omitempty"`
	OpenedAt         time.Time `json:"opened_at"`
	ClosedAt         time.Time `json:"closed_at"`
}

// IncidentArchive stores closed incidents in a Weaviate instance and recalls similar ones.
// An empty endpoint disables the archive.
type IncidentArchive struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	cache      cache.Provider
	similarTTL time.Duration
}

// NewIncidentArchive constructs an archive client.
func NewIncidentArchive(endpoint, apiKey string, timeout time.Duration, cacheProvider cache.Provider, similarTTL time.Duration) *IncidentArchive {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if similarTTL < 0 {
		similarTTL = 0
	}
	return &IncidentArchive{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		similarTTL: similarTTL,
	}
}

// Enabled reports whether an endpoint is configured.
func (a *IncidentArchive) Enabled() bool {
	return a != nil && a.endpoint != ""
}

// Archive stores a closed incident.
func (a *IncidentArchive) Archive(ctx context.Context, incident *models.Incident) error {
	if a == nil {
		return fmt.Errorf("incident archive not initialised")
	}
	if a.endpoint == "" {
		return nil
	}

	payload := map[string]interface{}{
		"class":      archiveClass,
		"id":         incident.IncidentID,
		"properties": buildIncidentProperties(incident),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}

	resp, err := a.post(ctx, "/v1/objects", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("weaviate archive incident failed: %s", strings.TrimSpace(string(data)))
	}
	if a.similarTTL > 0 {
		_ = a.cache.Del(ctx, cacheSimilarKey(incident.FailureSignature))
	}
	return nil
}

// SimilarIncidents returns archived incidents sharing a failure signature, newest first.
func (a *IncidentArchive) SimilarIncidents(ctx context.Context, signature string, limit int) ([]ArchivedIncident, error) {
	if a == nil {
		return nil, fmt.Errorf("incident archive not initialised")
	}
	if a.endpoint == "" || signature == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	cacheKey := cacheSimilarKey(signature)
	if a.similarTTL > 0 {
		var cached []ArchivedIncident
		if err := cache.GetJSON(ctx, a.cache, cacheKey, &cached); err == nil {
			if len(cached) > limit {
				cached = cached[:limit]
			}
			return cached, nil
		}
	}

	quoted, _ := json.Marshal(signature)
	gql := fmt.Sprintf(`{
  Get {
    %s(
      limit: %d
      where: {path: ["failureSignature"], operator: Equal, valueText: %s}
      sort: [{path: ["closedAt"], order: desc}]
    ) {
      incidentId
      targetId
      failureSignature
      severity
      status
      resolution
      resolvedBy
      attempts
      openedAt
      closedAt
    }
  }
}`, archiveClass, limit, quoted)

	body, err := json.Marshal(map[string]interface{}{"query": gql})
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, "/v1/graphql", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weaviate similar incidents returned %s", resp.Status)
	}

	var response struct {
		Data struct {
			Get map[string][]struct {
				IncidentID       string    `json:"incidentId"`
				TargetID         string    `json:"targetId"`
				FailureSignature string    `json:"failureSignature"`
				Severity         string    `json:"severity"`
				Status           string    `json:"status"`
				Resolution       string    `json:"resolution"`
				ResolvedBy       string    `json:"resolvedBy"`
				Attempts         []string  `json:"attempts"`
				OpenedAt         time.Time `json:"openedAt"`
				ClosedAt         time.Time `json:"closedAt"`
			} `json:"Get"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode similar incidents: %w", err)
	}

	records := response.Data.Get[archiveClass]
	results := make([]ArchivedIncident, 0, len(records))
	for _, rec := range records {
		results = append(results, ArchivedIncident{
			IncidentID:       rec.IncidentID,
			TargetID:         rec.TargetID,
			FailureSignature: rec.FailureSignature,
			Severity:         rec.Severity,
			Status:           rec.Status,
			Resolution:       rec.Resolution,
			ResolvedBy:       rec.ResolvedBy,
			Attempts:         rec.Attempts,
			OpenedAt:         rec.OpenedAt,
			ClosedAt:         rec.ClosedAt,
		})
	}

	if a.similarTTL > 0 && len(results) > 0 {
		_ = cache.SetJSON(ctx, a.cache, cacheKey, results, a.similarTTL)
	}
	return results, nil
}

func (a *IncidentArchive) post(ctx context.Context, p string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+p, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	return a.httpClient.Do(req)
}

func cacheSimilarKey(signature string) string {
	return cache.Key("archive", "similar", signature)
}

func buildIncidentProperties(incident *models.Incident) map[string]interface{} {
	attempts := make([]string, 0, len(incident.Attempts))
	resolvedBy := ""
	for _, attempt := range incident.Attempts {
		outcome := string(attempt.Outcome)
		if attempt.InProgress() {
			outcome = "IN_PROGRESS"
		}
		attempts = append(attempts, string(attempt.Strategy)+"="+outcome)
		if attempt.Outcome == models.AttemptSuccess {
			resolvedBy = string(attempt.Strategy)
		}
	}
	props := map[string]interface{}{
		"incidentId":       incident.IncidentID,
		"targetId":         incident.TargetID,
		"failureSignature": incident.FailureSignature,
		"severity":         string(incident.Severity),
		"status":           string(incident.Status),
		"resolution":       incident.Resolution,
		"resolvedBy":       resolvedBy,
		"attempts":         attempts,
		"attemptCount":     len(incident.Attempts),
		"escalationLevel":  incident.EscalationLevel,
		"openedAt":         incident.OpenedAt.UTC().Format(time.RFC3339),
	}
	if incident.ClosedAt != nil {
		props["closedAt"] = incident.ClosedAt.UTC().Format(time.RFC3339)
	}
	return props
}
