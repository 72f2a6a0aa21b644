package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/miradorstack/mirador-recovery/internal/config"
	"github.com/miradorstack/mirador-recovery/internal/incident"
	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/orchestrator"
	"github.com/miradorstack/mirador-recovery/internal/repo"
	"github.com/miradorstack/mirador-recovery/internal/services"
	"github.com/miradorstack/mirador-recovery/internal/storage"
)

type orchestratorStub struct {
	incident *models.Incident
	forced   models.Strategy
	closeErr error
}

func (s *orchestratorStub) GetIncident(id string) (*models.Incident, error) {
	if id != s.incident.IncidentID {
		return nil, fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	return s.incident, nil
}
func (s *orchestratorStub) Events(_ context.Context, id string) ([]storage.IncidentEvent, error) {
	if _, err := s.GetIncident(id); err != nil {
		return nil, err
	}
	return []storage.IncidentEvent{{Seq: 1, Kind: "opened", Status: models.IncidentOpen}}, nil
}
func (s *orchestratorStub) ListOpenIncidents() []*models.Incident { return []*models.Incident{s.incident} }
func (s *orchestratorStub) ListIncidents() []*models.Incident     { return []*models.Incident{s.incident} }
func (s *orchestratorStub) Abandon(_ context.Context, id, _ string) (*models.Incident, error) {
	return s.GetIncident(id)
}
func (s *orchestratorStub) ForceStrategy(_ context.Context, id string, strategy models.Strategy) (*models.Incident, error) {
	s.forced = strategy
	return s.GetIncident(id)
}
func (s *orchestratorStub) Acknowledge(_ context.Context, id string) (*models.Incident, error) {
	return s.GetIncident(id)
}
func (s *orchestratorStub) Close(context.Context, string) (*models.Incident, error) {
	return nil, s.closeErr
}
func (s *orchestratorStub) PauseAutomation() {}
func (s *orchestratorStub) ResumeAutomation(context.Context) ([]*models.Incident, error) {
	return nil, nil
}
func (s *orchestratorStub) Status() orchestrator.Stats {
	return orchestrator.Stats{Mode: models.ModeSupervised, Targets: 1}
}
func (s *orchestratorStub) Breakers() []models.CircuitBreakerState {
	return []models.CircuitBreakerState{{DependencyID: "control-plane", State: models.BreakerClosed}}
}
func (s *orchestratorStub) Checkpoints(context.Context, string) ([]models.CheckpointSnapshot, error) {
	return []models.CheckpointSnapshot{{CheckpointID: "cp-1", TargetID: "api"}}, nil
}
func (s *orchestratorStub) TakeCheckpoint(_ context.Context, target, _ string) (models.CheckpointSnapshot, error) {
	return models.CheckpointSnapshot{CheckpointID: "cp-2", TargetID: target, Label: models.LabelOnDemand}, nil
}
func (s *orchestratorStub) Learning(context.Context) (orchestrator.LearningReport, error) {
	return orchestrator.LearningReport{}, nil
}
func (s *orchestratorStub) SimilarIncidents(context.Context, string, int) ([]repo.ArchivedIncident, error) {
	return nil, nil
}

func newTestRouter(t *testing.T, secret string) (*gin.Engine, *orchestratorStub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	stub := &orchestratorStub{
		incident: &models.Incident{IncidentID: "inc-1", TargetID: "api", Status: models.IncidentOpen},
		closeErr: fmt.Errorf("%w: attempt-1 (QuickRestart)", incident.ErrAttemptInFlight),
	}
	return NewRouter(services.NewOperatorService(nil, stub), secret, nil), stub
}

func do(router http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetIncidentRoutes(t *testing.T) {
	router, _ := newTestRouter(t, "")

	rec := do(router, http.MethodGet, "/api/v1/incidents/inc-1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var inc models.Incident
	if err := json.Unmarshal(rec.Body.Bytes(), &inc); err != nil || inc.IncidentID != "inc-1" {
		t.Fatalf("unexpected body %s (%v)", rec.Body.String(), err)
	}

	if rec := do(router, http.MethodGet, "/api/v1/incidents/missing", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestIncidentEventsRoute(t *testing.T) {
	router, _ := newTestRouter(t, "")

	rec := do(router, http.MethodGet, "/api/v1/incidents/inc-1/events", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		IncidentID string                  `json:"incident_id"`
		Events     []storage.IncidentEvent `json:"events"`
		Count      int                     `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.IncidentID != "inc-1" || body.Count != 1 || body.Events[0].Kind != "opened" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if rec := do(router, http.MethodGet, "/api/v1/incidents/missing/events", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestForceStrategyHandler(t *testing.T) {
	router, stub := newTestRouter(t, "")

	rec := do(router, http.MethodPost, "/api/v1/incidents/inc-1/force", `{"strategy":"SafeModeRestart"}`, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.forced != models.StrategySafeModeRestart {
		t.Fatalf("expected SafeModeRestart, got %q", stub.forced)
	}

	if rec := do(router, http.MethodPost, "/api/v1/incidents/inc-1/force", `{"strategy":"Reboot"}`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown strategy, got %d", rec.Code)
	}
	if rec := do(router, http.MethodPost, "/api/v1/incidents/inc-1/force", `{`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestAbandonWithoutBody(t *testing.T) {
	router, _ := newTestRouter(t, "")
	if rec := do(router, http.MethodPost, "/api/v1/incidents/inc-1/abandon", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCloseConflictWhileAttemptRuns(t *testing.T) {
	router, _ := newTestRouter(t, "")
	rec := do(router, http.MethodPost, "/api/v1/incidents/inc-1/close", "", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "FailedPrecondition") {
		t.Fatalf("expected status code in body, got %s", rec.Body.String())
	}
}

func TestCheckpointHandlers(t *testing.T) {
	router, _ := newTestRouter(t, "")

	if rec := do(router, http.MethodGet, "/api/v1/checkpoints", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without target, got %d", rec.Code)
	}
	if rec := do(router, http.MethodGet, "/api/v1/checkpoints?target=api", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec := do(router, http.MethodPost, "/api/v1/checkpoints", `{"target_id":"api","component":"config"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStatusAndBreakers(t *testing.T) {
	router, _ := newTestRouter(t, "")

	rec := do(router, http.MethodGet, "/api/v1/status", "", "")
	var stats orchestrator.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil || stats.Targets != 1 {
		t.Fatalf("unexpected status body %s (%v)", rec.Body.String(), err)
	}
	if rec := do(router, http.MethodGet, "/api/v1/breakers", "", ""); !strings.Contains(rec.Body.String(), "control-plane") {
		t.Fatalf("unexpected breakers body %s", rec.Body.String())
	}
}

func TestJWTProtectsOperatorRoutes(t *testing.T) {
	router, _ := newTestRouter(t, "s3cret")

	if rec := do(router, http.MethodGet, "/api/v1/status", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	bad, err := IssueToken("other", "mallory", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if rec := do(router, http.MethodGet, "/api/v1/status", "", bad); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with foreign token, got %d", rec.Code)
	}
	expired, _ := IssueToken("s3cret", "alice", -time.Minute)
	if rec := do(router, http.MethodGet, "/api/v1/status", "", expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with expired token, got %d", rec.Code)
	}
	good, _ := IssueToken("s3cret", "alice", time.Minute)
	if rec := do(router, http.MethodGet, "/api/v1/status", "", good); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := do(router, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rec.Code)
	}
}

func TestGRPCHealthServer(t *testing.T) {
	srv, err := NewServer(config.ServerConfig{HealthAddress: "127.0.0.1:0", GracefulTimeout: time.Second})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = srv.Start() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	srv.Health().SetServingStatus("target/api", healthpb.HealthCheckResponse_NOT_SERVING)

	conn, err := grpc.NewClient(srv.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "target/api"})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %s", resp.GetStatus())
	}
}
