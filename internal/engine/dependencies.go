package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DependencyGraph resolves the declared direct dependencies of a target.
type DependencyGraph interface {
	Dependencies(ctx context.Context, targetID string) ([]string, error)
}

// DependencyPlanner orders a target's dependency chain for restarts.
type DependencyPlanner struct {
	graph    DependencyGraph
	maxDepth int
	logger   *slog.Logger
}

// NewDependencyPlanner constructs a DependencyPlanner.
func NewDependencyPlanner(graph DependencyGraph, logger *slog.Logger) *DependencyPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DependencyPlanner{graph: graph, maxDepth: 16, logger: logger}
}

// RestartOrder returns the transitive dependencies of targetID so that every dependency comes
// before the targets that depend on it. The target itself is not included.
func (p *DependencyPlanner) RestartOrder(ctx context.Context, targetID string) ([]string, error) {
	if p == nil || p.graph == nil {
		return nil, nil
	}

	order := make([]string, 0)
	done := make(map[string]bool)
	onPath := make(map[string]bool)

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		if len(path) > p.maxDepth {
			return fmt.Errorf("dependency chain of %s deeper than %d", targetID, p.maxDepth)
		}
		deps, err := p.graph.Dependencies(ctx, id)
		if err != nil {
			return fmt.Errorf("dependencies of %s: %w", id, err)
		}
		onPath[id] = true
		for _, dep := range deps {
			dep = strings.TrimSpace(dep)
			if dep == "" || done[dep] {
				continue
			}
			if onPath[dep] {
				return fmt.Errorf("dependency cycle: %s -> %s", strings.Join(append(path, id), " -> "), dep)
			}
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
			done[dep] = true
			order = append(order, dep)
		}
		onPath[id] = false
		return nil
	}

	if err := visit(targetID, nil); err != nil {
		return nil, err
	}
	p.logger.Debug("dependency restart order", slog.String("target_id", targetID), slog.Any("order", order))
	return order, nil
}
