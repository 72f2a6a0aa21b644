package incident

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

// DefaultClassifier fingerprints failures by target class, dominant outcome and normalized detail.
type DefaultClassifier struct{}

// Classify implements Classifier.
func (DefaultClassifier) Classify(target models.Target, failures []models.HealthCheckResult) (string, models.Severity) {
	outcome, detail := Dominant(failures)
	return Fingerprint(target.Class, outcome, detail), models.SeverityForCriticality(target.Criticality)
}

// Dominant returns the most frequent outcome among failures and the latest detail reported with it.
func Dominant(failures []models.HealthCheckResult) (models.HealthOutcome, string) {
	counts := make(map[models.HealthOutcome]int)
	var best models.HealthOutcome
	for _, f := range failures {
		counts[f.Outcome]++
		if counts[f.Outcome] > counts[best] || (counts[f.Outcome] == counts[best] && f.Outcome == models.HealthUnreachable) {
			best = f.Outcome
		}
	}
	var detail string
	for i := len(failures) - 1; i >= 0; i-- {
		if failures[i].Outcome == best {
			detail = failures[i].Detail
			break
		}
	}
	return best, detail
}

// Fingerprint builds the signature "<class>:<outcome>:<hash>". Digits are stripped from detail
// before hashing so ports, durations and pids do not split otherwise identical failures.
func Fingerprint(class string, outcome models.HealthOutcome, detail string) string {
	if class == "" {
		class = "generic"
	}
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, detail)
	normalized = strings.Join(strings.Fields(normalized), " ")
	sum := sha256.Sum256([]byte(normalized))
	return strings.ToLower(class) + ":" + strings.ToLower(string(outcome)) + ":" + hex.EncodeToString(sum[:])[:8]
}
