package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-recovery/internal/breaker"
	"github.com/miradorstack/mirador-recovery/internal/checkpoint"
	"github.com/miradorstack/mirador-recovery/internal/incident"
	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/orchestrator"
	"github.com/miradorstack/mirador-recovery/internal/repo"
	"github.com/miradorstack/mirador-recovery/internal/storage"
	"github.com/miradorstack/mirador-recovery/internal/utils"
)

// Orchestrator is the control surface the operator service drives.
type Orchestrator interface {
	GetIncident(incidentID string) (*models.Incident, error)
	Events(ctx context.Context, incidentID string) ([]storage.IncidentEvent, error)
	ListOpenIncidents() []*models.Incident
	ListIncidents() []*models.Incident
	Abandon(ctx context.Context, incidentID, reason string) (*models.Incident, error)
	ForceStrategy(ctx context.Context, incidentID string, strategy models.Strategy) (*models.Incident, error)
	Acknowledge(ctx context.Context, incidentID string) (*models.Incident, error)
	Close(ctx context.Context, incidentID string) (*models.Incident, error)
	PauseAutomation()
	ResumeAutomation(ctx context.Context) ([]*models.Incident, error)
	Status() orchestrator.Stats
	Breakers() []models.CircuitBreakerState
	Checkpoints(ctx context.Context, targetID string) ([]models.CheckpointSnapshot, error)
	TakeCheckpoint(ctx context.Context, targetID, component string) (models.CheckpointSnapshot, error)
	Learning(ctx context.Context) (orchestrator.LearningReport, error)
	SimilarIncidents(ctx context.Context, incidentID string, limit int) ([]repo.ArchivedIncident, error)
}

// OperatorService validates operator requests and maps domain errors onto status codes.
type OperatorService struct {
	logger    *slog.Logger
	orch      Orchestrator
	validate  *validator.Validate
	latencies *utils.LatencyTracker
}

// NewOperatorService constructs the operator facade.
func NewOperatorService(logger *slog.Logger, orch Orchestrator) *OperatorService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperatorService{
		logger:    logger,
		orch:      orch,
		validate:  validator.New(),
		latencies: utils.NewLatencyTracker(1024),
	}
}

// GetIncident returns one incident.
func (s *OperatorService) GetIncident(_ context.Context, incidentID string) (*models.Incident, error) {
	if incidentID == "" {
		return nil, status.Error(codes.InvalidArgument, "incident id is required")
	}
	inc, err := s.orch.GetIncident(incidentID)
	if err != nil {
		return nil, s.toStatus("get incident", err)
	}
	return inc, nil
}

// Events returns the persisted log of one incident.
func (s *OperatorService) Events(ctx context.Context, incidentID string) ([]storage.IncidentEvent, error) {
	if incidentID == "" {
		return nil, status.Error(codes.InvalidArgument, "incident id is required")
	}
	events, err := s.orch.Events(ctx, incidentID)
	if err != nil {
		return nil, s.toStatus("incident events", err)
	}
	return events, nil
}

// ListIncidents returns open incidents, or every known incident.
func (s *OperatorService) ListIncidents(_ context.Context, req models.ListIncidentsRequest) []*models.Incident {
	if req.OpenOnly {
		return s.orch.ListOpenIncidents()
	}
	return s.orch.ListIncidents()
}

// Abandon stops automation on an incident.
func (s *OperatorService) Abandon(ctx context.Context, req models.AbandonRequest) (*models.Incident, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	inc, err := s.orch.Abandon(ctx, req.IncidentID, req.Reason)
	if err != nil {
		return nil, s.toStatus("abandon", err)
	}
	s.logger.Info("incident abandoned by operator", slog.String("incident_id", req.IncidentID))
	return inc, nil
}

// ForceStrategy queues one strategy out of ladder order.
func (s *OperatorService) ForceStrategy(ctx context.Context, req models.ForceStrategyRequest) (*models.Incident, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	strategy, err := models.ParseStrategy(req.Strategy)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	inc, err := s.orch.ForceStrategy(ctx, req.IncidentID, strategy)
	if err != nil {
		return nil, s.toStatus("force strategy", err)
	}
	return inc, nil
}

// Acknowledge approves the strategy an incident waits on.
func (s *OperatorService) Acknowledge(ctx context.Context, incidentID string) (*models.Incident, error) {
	if incidentID == "" {
		return nil, status.Error(codes.InvalidArgument, "incident id is required")
	}
	inc, err := s.orch.Acknowledge(ctx, incidentID)
	if err != nil {
		return nil, s.toStatus("acknowledge", err)
	}
	return inc, nil
}

// Close resolves an incident explicitly.
func (s *OperatorService) Close(ctx context.Context, incidentID string) (*models.Incident, error) {
	if incidentID == "" {
		return nil, status.Error(codes.InvalidArgument, "incident id is required")
	}
	inc, err := s.orch.Close(ctx, incidentID)
	if err != nil {
		return nil, s.toStatus("close", err)
	}
	return inc, nil
}

// PauseAutomation stops automatic strategy selection.
func (s *OperatorService) PauseAutomation(context.Context) orchestrator.Stats {
	s.orch.PauseAutomation()
	return s.orch.Status()
}

// ResumeAutomation restarts automation and the ladders of escalated incidents.
func (s *OperatorService) ResumeAutomation(ctx context.Context) ([]*models.Incident, error) {
	resumed, err := s.orch.ResumeAutomation(ctx)
	if err != nil {
		return resumed, s.toStatus("resume automation", err)
	}
	return resumed, nil
}

// Status returns orchestrator statistics.
func (s *OperatorService) Status(context.Context) orchestrator.Stats {
	return s.orch.Status()
}

// Breakers returns every circuit breaker state.
func (s *OperatorService) Breakers(context.Context) []models.CircuitBreakerState {
	return s.orch.Breakers()
}

// Checkpoints lists checkpoint metadata of a target.
func (s *OperatorService) Checkpoints(ctx context.Context, targetID string) ([]models.CheckpointSnapshot, error) {
	if targetID == "" {
		return nil, status.Error(codes.InvalidArgument, "target is required")
	}
	snaps, err := s.orch.Checkpoints(ctx, targetID)
	if err != nil {
		return nil, s.toStatus("list checkpoints", err)
	}
	return snaps, nil
}

// TakeCheckpoint captures an on-demand checkpoint.
func (s *OperatorService) TakeCheckpoint(ctx context.Context, req models.CheckpointRequest) (models.CheckpointSnapshot, error) {
	if err := s.validate.Struct(req); err != nil {
		return models.CheckpointSnapshot{}, status.Error(codes.InvalidArgument, err.Error())
	}
	start := time.Now()
	snap, err := s.orch.TakeCheckpoint(ctx, req.TargetID, req.Component)
	if err != nil {
		return models.CheckpointSnapshot{}, s.toStatus("take checkpoint", err)
	}
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		summary := s.latencies.Summary()
		s.logger.Info("checkpoint latency",
			slog.Duration("p50", summary.P50),
			slog.Duration("p95", summary.P95),
			slog.Duration("max", summary.Max),
			slog.Int("samples", summary.Count))
	}
	return snap, nil
}

// Learning returns recorded strategy outcomes and mined signature profiles.
func (s *OperatorService) Learning(ctx context.Context) (orchestrator.LearningReport, error) {
	report, err := s.orch.Learning(ctx)
	if err != nil {
		return report, s.toStatus("learning", err)
	}
	return report, nil
}

// SimilarIncidents returns archived incidents with the same failure signature.
func (s *OperatorService) SimilarIncidents(ctx context.Context, req models.SimilarIncidentsRequest) ([]repo.ArchivedIncident, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Limit == 0 {
		req.Limit = 5
	}
	similar, err := s.orch.SimilarIncidents(ctx, req.IncidentID, req.Limit)
	if err != nil {
		return nil, s.toStatus("similar incidents", err)
	}
	return similar, nil
}

// CheckpointLatencyP95 returns the p95 duration of on-demand checkpoints.
func (s *OperatorService) CheckpointLatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

func (s *OperatorService) toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, incident.ErrNotFound), errors.Is(err, orchestrator.ErrUnknownTarget):
		code = codes.NotFound
	case errors.Is(err, models.ErrUnknownStrategy):
		code = codes.InvalidArgument
	case errors.Is(err, incident.ErrIncidentClosed),
		errors.Is(err, incident.ErrAttemptInFlight),
		errors.Is(err, incident.ErrInvalidTransition),
		errors.Is(err, checkpoint.ErrNoValidCheckpoint):
		code = codes.FailedPrecondition
	case errors.Is(err, orchestrator.ErrNotStarted), errors.Is(err, breaker.ErrOpen):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	if code == codes.Internal {
		s.logger.Error(op+" failed", slog.Any("error", err))
	}
	return status.Error(code, utils.NewAppError(op, "request failed", err).Error())
}
