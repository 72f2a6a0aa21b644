package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownStrategy is returned for names outside the recovery ladder.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy names one rung of the recovery ladder.
type Strategy string

const (
	StrategyNone              Strategy = ""
	StrategyQuickRestart      Strategy = "QuickRestart"
	StrategySafeModeRestart   Strategy = "SafeModeRestart"
	StrategyConfigRollback    Strategy = "ConfigRollback"
	StrategyDependencyRestart Strategy = "DependencyRestart"
	StrategyBackupRestore     Strategy = "BackupRestore"
	StrategyFullBootstrap     Strategy = "FullBootstrap"
)

// RiskLevel is the declared blast radius of a strategy.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// StrategySpec declares the static properties of a strategy.
type StrategySpec struct {
	Strategy         Strategy
	Rank             int
	Risk             RiskLevel
	ExpectedDuration time.Duration
	Timeout          time.Duration
	// Invasive strategies take a pre-recovery checkpoint before acting.
	Invasive bool
}

var ladder = []StrategySpec{
	{Strategy: StrategyQuickRestart, Rank: 0, Risk: RiskLow, ExpectedDuration: 15 * time.Second, Timeout: 60 * time.Second},
	{Strategy: StrategySafeModeRestart, Rank: 1, Risk: RiskLow, ExpectedDuration: 45 * time.Second, Timeout: 120 * time.Second},
	{Strategy: StrategyConfigRollback, Rank: 2, Risk: RiskMedium, ExpectedDuration: 2 * time.Minute, Timeout: 5 * time.Minute, Invasive: true},
	{Strategy: StrategyDependencyRestart, Rank: 3, Risk: RiskMedium, ExpectedDuration: 5 * time.Minute, Timeout: 10 * time.Minute},
	{Strategy: StrategyBackupRestore, Rank: 4, Risk: RiskHigh, ExpectedDuration: 15 * time.Minute, Timeout: 30 * time.Minute, Invasive: true},
	{Strategy: StrategyFullBootstrap, Rank: 5, Risk: RiskHigh, ExpectedDuration: time.Hour, Timeout: 2 * time.Hour, Invasive: true},
}

// Ladder returns the strategy ladder from least to most invasive.
func Ladder() []StrategySpec {
	return append([]StrategySpec(nil), ladder...)
}

// Spec returns the declared properties for s.
func (s Strategy) Spec() (StrategySpec, bool) {
	for _, spec := range ladder {
		if spec.Strategy == s {
			return spec, true
		}
	}
	return StrategySpec{}, false
}

// Rank returns the ladder position, or -1 for unknown strategies.
func (s Strategy) Rank() int {
	spec, ok := s.Spec()
	if !ok {
		return -1
	}
	return spec.Rank
}

// Valid reports whether s is a ladder strategy.
func (s Strategy) Valid() bool {
	return s.Rank() >= 0
}

// ParseStrategy resolves a strategy name case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	trimmed := strings.TrimSpace(name)
	for _, spec := range ladder {
		if strings.EqualFold(string(spec.Strategy), trimmed) {
			return spec.Strategy, nil
		}
	}
	return StrategyNone, fmt.Errorf("%w %q", ErrUnknownStrategy, name)
}

// OperatingMode controls how much the orchestrator may do without a human.
type OperatingMode string

const (
	// ModeAutonomous auto-approves BackupRestore.
	ModeAutonomous OperatingMode = "autonomous"
	// ModeSupervised requires approval for BackupRestore and FullBootstrap.
	ModeSupervised OperatingMode = "supervised"
	// ModeManual never executes strategies automatically.
	ModeManual OperatingMode = "manual"
)
