package models

import "time"

// LearningRecord aggregates outcomes for one (failure signature, strategy) pair.
type LearningRecord struct {
	FailureSignature string        `json:"failure_signature"`
	Strategy         Strategy      `json:"strategy"`
	AttemptsCount    int           `json:"attempts_count"`
	SuccessesCount   int           `json:"successes_count"`
	AvgDuration      time.Duration `json:"avg_duration"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SuccessRate returns successes/attempts, or -1 when there is no history.
func (r LearningRecord) SuccessRate() float64 {
	if r.AttemptsCount == 0 {
		return -1
	}
	return float64(r.SuccessesCount) / float64(r.AttemptsCount)
}

// SignatureProfile summarises closed incident history for one failure signature.
type SignatureProfile struct {
	FailureSignature string    `json:"failure_signature"`
	Incidents        int       `json:"incidents"`
	Resolved         int       `json:"resolved"`
	Prevalence       float64   `json:"prevalence"`
	LastSeen         time.Time `json:"last_seen"`
	BestStrategy     Strategy  `json:"best_strategy,omitempty"`
	BestSuccessRate  float64   `json:"best_success_rate"`
	MeanAttempts     float64   `json:"mean_attempts"`
}
