package repo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// StaticGraph serves dependencies declared in configuration.
type StaticGraph map[string][]string

// Dependencies returns the direct dependencies of targetID.
func (g StaticGraph) Dependencies(_ context.Context, targetID string) ([]string, error) {
	return append([]string(nil), g[targetID]...), nil
}

// Neo4jGraph reads (:Target {id})-[:DEPENDS_ON]->(:Target) edges from Neo4j.
type Neo4jGraph struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jGraph connects to Neo4j and verifies connectivity.
func NewNeo4jGraph(ctx context.Context, uri, username, password, database string) (*Neo4jGraph, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionLifetime = 5 * time.Minute
			c.MaxConnectionPoolSize = 10
			c.ConnectionAcquisitionTimeout = 10 * time.Second
		},
	)
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	if database == "" {
		database = "neo4j"
	}
	return &Neo4jGraph{driver: driver, database: database}, nil
}

const dependencyQuery = `
MATCH (t:Target)-[:DEPENDS_ON]->(d:Target)
WHERE t.id = $targetId OR t.name = $targetId
RETURN coalesce(d.id, d.name) AS dependency
`

// Dependencies returns the direct dependencies of targetID.
func (g *Neo4jGraph) Dependencies(ctx context.Context, targetID string) ([]string, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: g.database, AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	res, err := session.Run(ctx, dependencyQuery, map[string]interface{}{"targetId": targetID})
	if err != nil {
		return nil, fmt.Errorf("query dependencies of %s: %w", targetID, err)
	}
	deps := make([]string, 0)
	for res.Next(ctx) {
		value, ok := res.Record().Get("dependency")
		if !ok {
			continue
		}
		if name, ok := value.(string); ok && name != "" {
			deps = append(deps, name)
		}
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("read dependencies of %s: %w", targetID, err)
	}
	sort.Strings(deps)
	return deps, nil
}

// Close releases the driver.
func (g *Neo4jGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}
