package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-recovery/internal/breaker"
	"github.com/miradorstack/mirador-recovery/internal/incident"
	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/orchestrator"
	"github.com/miradorstack/mirador-recovery/internal/repo"
	"github.com/miradorstack/mirador-recovery/internal/storage"
)

type orchestratorStub struct {
	incidents map[string]*models.Incident
	err       error
	forced    models.Strategy
	paused    bool
	component string
}

func newStub() *orchestratorStub {
	return &orchestratorStub{incidents: map[string]*models.Incident{
		"inc-1": {IncidentID: "inc-1", TargetID: "api", Status: models.IncidentOpen},
		"inc-2": {IncidentID: "inc-2", TargetID: "db", Status: models.IncidentResolved},
	}}
}

func (s *orchestratorStub) GetIncident(id string) (*models.Incident, error) {
	inc, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	return inc, nil
}

func (s *orchestratorStub) Events(_ context.Context, id string) ([]storage.IncidentEvent, error) {
	if _, err := s.GetIncident(id); err != nil {
		return nil, err
	}
	return []storage.IncidentEvent{{Seq: 1, Kind: "opened"}, {Seq: 2, Kind: "attempt_started"}}, nil
}

func (s *orchestratorStub) ListOpenIncidents() []*models.Incident {
	return []*models.Incident{s.incidents["inc-1"]}
}

func (s *orchestratorStub) ListIncidents() []*models.Incident {
	return []*models.Incident{s.incidents["inc-1"], s.incidents["inc-2"]}
}

func (s *orchestratorStub) Abandon(_ context.Context, id, _ string) (*models.Incident, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.GetIncident(id)
}

func (s *orchestratorStub) ForceStrategy(_ context.Context, id string, strategy models.Strategy) (*models.Incident, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.forced = strategy
	return s.GetIncident(id)
}

func (s *orchestratorStub) Acknowledge(_ context.Context, id string) (*models.Incident, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.GetIncident(id)
}

func (s *orchestratorStub) Close(_ context.Context, id string) (*models.Incident, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.GetIncident(id)
}

func (s *orchestratorStub) PauseAutomation() { s.paused = true }

func (s *orchestratorStub) ResumeAutomation(context.Context) ([]*models.Incident, error) {
	s.paused = false
	return nil, s.err
}

func (s *orchestratorStub) Status() orchestrator.Stats {
	return orchestrator.Stats{Mode: models.ModeSupervised, Paused: s.paused}
}

func (s *orchestratorStub) Breakers() []models.CircuitBreakerState { return nil }

func (s *orchestratorStub) Checkpoints(_ context.Context, target string) ([]models.CheckpointSnapshot, error) {
	if target != "api" {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownTarget, target)
	}
	return []models.CheckpointSnapshot{{CheckpointID: "cp-1", TargetID: target}}, nil
}

func (s *orchestratorStub) TakeCheckpoint(_ context.Context, target, component string) (models.CheckpointSnapshot, error) {
	if s.err != nil {
		return models.CheckpointSnapshot{}, s.err
	}
	s.component = component
	return models.CheckpointSnapshot{CheckpointID: "cp-2", TargetID: target, Label: models.LabelOnDemand}, nil
}

func (s *orchestratorStub) Learning(context.Context) (orchestrator.LearningReport, error) {
	return orchestrator.LearningReport{}, s.err
}

func (s *orchestratorStub) SimilarIncidents(_ context.Context, id string, limit int) ([]repo.ArchivedIncident, error) {
	if _, err := s.GetIncident(id); err != nil {
		return nil, err
	}
	return make([]repo.ArchivedIncident, limit), nil
}

func TestGetIncidentNotFound(t *testing.T) {
	service := NewOperatorService(nil, newStub())

	_, err := service.GetIncident(context.Background(), "missing")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := service.GetIncident(context.Background(), ""); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestEventsValidatesAndMapsErrors(t *testing.T) {
	service := NewOperatorService(nil, newStub())
	ctx := context.Background()

	events, err := service.Events(ctx, "inc-1")
	if err != nil || len(events) != 2 || events[0].Kind != "opened" {
		t.Fatalf("unexpected events %+v (%v)", events, err)
	}
	if _, err := service.Events(ctx, "missing"); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := service.Events(ctx, ""); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestListIncidentsOpenOnly(t *testing.T) {
	service := NewOperatorService(nil, newStub())

	if got := service.ListIncidents(context.Background(), models.ListIncidentsRequest{OpenOnly: true}); len(got) != 1 {
		t.Fatalf("expected one open incident, got %d", len(got))
	}
	if got := service.ListIncidents(context.Background(), models.ListIncidentsRequest{}); len(got) != 2 {
		t.Fatalf("expected two incidents, got %d", len(got))
	}
}

func TestForceStrategyParsesName(t *testing.T) {
	stub := newStub()
	service := NewOperatorService(nil, stub)

	_, err := service.ForceStrategy(context.Background(), models.ForceStrategyRequest{IncidentID: "inc-1", Strategy: "configrollback"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.forced != models.StrategyConfigRollback {
		t.Fatalf("expected ConfigRollback, got %q", stub.forced)
	}
}

func TestForceStrategyValidation(t *testing.T) {
	service := NewOperatorService(nil, newStub())
	ctx := context.Background()

	cases := []models.ForceStrategyRequest{
		{IncidentID: "inc-1"},
		{Strategy: "QuickRestart"},
		{IncidentID: "inc-1", Strategy: "Reboot"},
	}
	for _, req := range cases {
		if _, err := service.ForceStrategy(ctx, req); status.Code(err) != codes.InvalidArgument {
			t.Fatalf("%+v: expected invalid argument, got %v", req, err)
		}
	}
}

func TestDomainErrorsMapToCodes(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("%w: inc-1 is RESOLVED", incident.ErrIncidentClosed), codes.FailedPrecondition},
		{incident.ErrAttemptInFlight, codes.FailedPrecondition},
		{fmt.Errorf("control-plane: %w", breaker.ErrOpen), codes.Unavailable},
		{orchestrator.ErrNotStarted, codes.Unavailable},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tc := range cases {
		stub := newStub()
		stub.err = tc.err
		service := NewOperatorService(nil, stub)
		_, err := service.Abandon(context.Background(), models.AbandonRequest{IncidentID: "inc-1"})
		if status.Code(err) != tc.code {
			t.Fatalf("%v: expected %s, got %v", tc.err, tc.code, err)
		}
	}
}

func TestTakeCheckpointValidatesComponent(t *testing.T) {
	stub := newStub()
	service := NewOperatorService(nil, stub)
	ctx := context.Background()

	if _, err := service.TakeCheckpoint(ctx, models.CheckpointRequest{TargetID: "api", Component: "logs"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	snap, err := service.TakeCheckpoint(ctx, models.CheckpointRequest{TargetID: "api", Component: models.ComponentData})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Label != models.LabelOnDemand || stub.component != models.ComponentData {
		t.Fatalf("unexpected snapshot %+v (component %q)", snap, stub.component)
	}
	if service.CheckpointLatencyP95() < 0 {
		t.Fatalf("negative latency")
	}
}

func TestCheckpointsUnknownTarget(t *testing.T) {
	service := NewOperatorService(nil, newStub())
	if _, err := service.Checkpoints(context.Background(), "nope"); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSimilarIncidentsDefaultLimit(t *testing.T) {
	service := NewOperatorService(nil, newStub())
	similar, err := service.SimilarIncidents(context.Background(), models.SimilarIncidentsRequest{IncidentID: "inc-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(similar) != 5 {
		t.Fatalf("expected default limit of 5, got %d", len(similar))
	}
	if _, err := service.SimilarIncidents(context.Background(), models.SimilarIncidentsRequest{IncidentID: "inc-1", Limit: 500}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for oversized limit, got %v", err)
	}
}

func TestPauseAndResume(t *testing.T) {
	stub := newStub()
	service := NewOperatorService(nil, stub)

	if stats := service.PauseAutomation(context.Background()); !stats.Paused {
		t.Fatalf("expected paused stats")
	}
	if _, err := service.ResumeAutomation(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if service.Status(context.Background()).Paused {
		t.Fatalf("expected automation resumed")
	}
}
