package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

// LearningSource returns the outcome statistics recorded for a failure signature.
type LearningSource interface {
	Records(ctx context.Context, signature string) (map[models.Strategy]models.LearningRecord, error)
}

// SelectorOptions tunes how learning biases selection.
type SelectorOptions struct {
	// Floor is the success rate below which a strategy may be passed over.
	Floor float64
	// MinSamples is the number of attempts a record needs before it counts.
	MinSamples int
	Logger     *slog.Logger
}

// Selection is the outcome of choosing the next strategy for an incident.
type Selection struct {
	Strategy models.Strategy
	// Skipped lists ladder strategies passed over because of a poor track record.
	Skipped []models.Strategy
	Reason  string
}

// Exhausted reports whether the ladder has nothing left to try.
func (s Selection) Exhausted() bool {
	return s.Strategy == models.StrategyNone
}

// Selector walks the strategy ladder for an incident. The ladder order is a hard ceiling:
// learning may only pass over a strategy in favour of an untried one of the same risk level.
type Selector struct {
	learning LearningSource
	opts     SelectorOptions
	logger   *slog.Logger
}

// NewSelector constructs a Selector. learning may be nil.
func NewSelector(learning LearningSource, opts SelectorOptions) *Selector {
	if opts.Floor <= 0 {
		opts.Floor = 0.10
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{learning: learning, opts: opts, logger: logger}
}

// LadderPosition returns the highest rank automatically attempted since the incident's ladder
// base, or -1 when nothing has been tried. Forced attempts do not move the position.
func LadderPosition(incident *models.Incident) int {
	position := -1
	base := incident.LadderBase
	if base > len(incident.Attempts) {
		base = len(incident.Attempts)
	}
	for _, attempt := range incident.Attempts[base:] {
		if attempt.Forced {
			continue
		}
		if rank := attempt.Strategy.Rank(); rank > position {
			position = rank
		}
	}
	return position
}

// Next returns the strategy to run after the incident's attempt history, or StrategyNone when
// every ladder strategy has been tried.
func (s *Selector) Next(ctx context.Context, incident *models.Incident) (Selection, error) {
	position := LadderPosition(incident)

	var remaining []models.StrategySpec
	for _, spec := range models.Ladder() {
		if spec.Rank > position {
			remaining = append(remaining, spec)
		}
	}
	if len(remaining) == 0 {
		return Selection{Strategy: models.StrategyNone, Reason: "strategy ladder exhausted"}, nil
	}

	var records map[models.Strategy]models.LearningRecord
	if s.learning != nil && incident.FailureSignature != "" {
		var err error
		records, err = s.learning.Records(ctx, incident.FailureSignature)
		if err != nil {
			// Selection degrades to the plain ladder when history is unavailable.
			s.logger.Warn("learning records unavailable",
				slog.String("incident_id", incident.IncidentID),
				slog.String("failure_signature", incident.FailureSignature),
				slog.Any("error", err))
			records = nil
		}
	}

	selection := Selection{}
	for i, spec := range remaining {
		if s.poorTrackRecord(records, spec.Strategy) && hasPeer(remaining[i+1:], spec.Risk) {
			selection.Skipped = append(selection.Skipped, spec.Strategy)
			continue
		}
		selection.Strategy = spec.Strategy
		break
	}

	if len(selection.Skipped) > 0 {
		selection.Reason = fmt.Sprintf("skipped %v below %.0f%% success for %s", selection.Skipped, s.opts.Floor*100, incident.FailureSignature)
		s.logger.Info("learning re-ranked strategies",
			slog.String("incident_id", incident.IncidentID),
			slog.String("strategy", string(selection.Strategy)),
			slog.Any("skipped", selection.Skipped))
	} else {
		selection.Reason = "next strategy on ladder"
	}
	return selection, nil
}

func (s *Selector) poorTrackRecord(records map[models.Strategy]models.LearningRecord, strategy models.Strategy) bool {
	record, ok := records[strategy]
	if !ok || record.AttemptsCount < s.opts.MinSamples {
		return false
	}
	return record.SuccessRate() < s.opts.Floor
}

// hasPeer reports whether an untried strategy of the same risk level follows.
func hasPeer(rest []models.StrategySpec, risk models.RiskLevel) bool {
	for _, spec := range rest {
		if spec.Risk == risk {
			return true
		}
	}
	return false
}
