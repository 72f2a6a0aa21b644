package learning

import (
	"sort"
	"time"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

// Miner summarises closed incident history per failure signature.
type Miner struct {
	// MinSamples is the number of attempts a strategy needs before it can be reported as best.
	MinSamples int
}

// NewMiner constructs a Miner.
func NewMiner(minSamples int) *Miner {
	if minSamples <= 0 {
		minSamples = 1
	}
	return &Miner{MinSamples: minSamples}
}

type signatureAggregate struct {
	incidents     int
	resolved      int
	attemptsTotal int
	lastSeen      time.Time
	strategyTries map[models.Strategy]int
	strategyWins  map[models.Strategy]int
}

// Mine aggregates incidents into profiles ordered by prevalence.
func (m *Miner) Mine(incidents []*models.Incident) []models.SignatureProfile {
	if len(incidents) == 0 {
		return nil
	}

	stats := make(map[string]*signatureAggregate)
	for _, incident := range incidents {
		if incident == nil {
			continue
		}
		agg := ensureAggregate(stats, incident.FailureSignature)
		agg.incidents++
		if incident.OpenedAt.After(agg.lastSeen) {
			agg.lastSeen = incident.OpenedAt
		}
		if incident.Status == models.IncidentResolved {
			agg.resolved++
		}
		for _, attempt := range incident.Attempts {
			if attempt.InProgress() {
				continue
			}
			agg.attemptsTotal++
			agg.strategyTries[attempt.Strategy]++
			if attempt.Outcome == models.AttemptSuccess {
				agg.strategyWins[attempt.Strategy]++
			}
		}
	}

	profiles := make([]models.SignatureProfile, 0, len(stats))
	for signature, agg := range stats {
		profile := models.SignatureProfile{
			FailureSignature: signature,
			Incidents:        agg.incidents,
			Resolved:         agg.resolved,
			Prevalence:       float64(agg.incidents) / float64(len(incidents)),
			LastSeen:         agg.lastSeen,
			MeanAttempts:     float64(agg.attemptsTotal) / float64(agg.incidents),
		}
		profile.BestStrategy, profile.BestSuccessRate = agg.best(m.MinSamples)
		profiles = append(profiles, profile)
	}

	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].Prevalence == profiles[j].Prevalence {
			return profiles[i].FailureSignature < profiles[j].FailureSignature
		}
		return profiles[i].Prevalence > profiles[j].Prevalence
	})
	return profiles
}

func ensureAggregate(m map[string]*signatureAggregate, signature string) *signatureAggregate {
	if signature == "" {
		signature = "unknown"
	}
	agg, ok := m[signature]
	if !ok {
		agg = &signatureAggregate{
			strategyTries: make(map[models.Strategy]int),
			strategyWins:  make(map[models.Strategy]int),
		}
		m[signature] = agg
	}
	return agg
}

// best returns the strategy with the highest success rate, preferring the less invasive on ties.
func (agg *signatureAggregate) best(minSamples int) (models.Strategy, float64) {
	var (
		bestStrategy models.Strategy
		bestRate     float64
	)
	for _, spec := range models.Ladder() {
		tries := agg.strategyTries[spec.Strategy]
		if tries < minSamples {
			continue
		}
		rate := float64(agg.strategyWins[spec.Strategy]) / float64(tries)
		if bestStrategy == models.StrategyNone || rate > bestRate {
			bestStrategy, bestRate = spec.Strategy, rate
		}
	}
	return bestStrategy, bestRate
}
