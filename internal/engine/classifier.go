package engine

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-recovery/internal/incident"
	"github.com/miradorstack/mirador-recovery/internal/models"
)

// RuleClassifier labels failures using YAML rules and falls back to the target class.
type RuleClassifier struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule maps matching failures onto a failure class and optional severity override.
type Rule struct {
	ID           string          `yaml:"id"`
	Match        RuleMatch       `yaml:"match"`
	FailureClass string          `yaml:"failure_class"`
	Severity     models.Severity `yaml:"severity"`
}

// RuleMatch defines optional attributes for rule matching.
type RuleMatch struct {
	TargetClass    string   `yaml:"target_class"`
	Outcome        string   `yaml:"outcome"`
	DetailContains []string `yaml:"detail_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleClassifier loads rules from the provided path. A missing or empty path yields a
// classifier without rules.
func NewRuleClassifier(path string, logger *slog.Logger) (*RuleClassifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	classifier := &RuleClassifier{logger: logger}
	if path == "" {
		return classifier, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("classification rules not found", slog.String("path", path))
			return classifier, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	classifier.rules = cfg.Rules
	return classifier, nil
}

// NewRuleClassifierFromRules builds a classifier from in-memory rules.
func NewRuleClassifierFromRules(rules []Rule, logger *slog.Logger) *RuleClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleClassifier{rules: rules, logger: logger}
}

// Classify implements incident.Classifier. The first matching rule wins.
func (c *RuleClassifier) Classify(target models.Target, failures []models.HealthCheckResult) (string, models.Severity) {
	outcome, detail := incident.Dominant(failures)
	severity := models.SeverityForCriticality(target.Criticality)
	if c == nil {
		return incident.Fingerprint(target.Class, outcome, detail), severity
	}

	for _, rule := range c.rules {
		if !rule.matches(target, outcome, detail) {
			continue
		}
		class := rule.FailureClass
		if class == "" {
			class = target.Class
		}
		if rule.Severity != "" {
			severity = rule.Severity
		}
		c.logger.Debug("failure classified",
			slog.String("target_id", target.ID),
			slog.String("rule", rule.ID),
			slog.String("failure_class", class))
		return incident.Fingerprint(class, outcome, detail), severity
	}
	return incident.Fingerprint(target.Class, outcome, detail), severity
}

func (r Rule) matches(target models.Target, outcome models.HealthOutcome, detail string) bool {
	if r.Match.TargetClass != "" && !strings.EqualFold(r.Match.TargetClass, target.Class) {
		return false
	}
	if r.Match.Outcome != "" && !strings.EqualFold(r.Match.Outcome, string(outcome)) {
		return false
	}
	if len(r.Match.DetailContains) == 0 {
		return true
	}
	lower := strings.ToLower(detail)
	for _, kw := range r.Match.DetailContains {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
