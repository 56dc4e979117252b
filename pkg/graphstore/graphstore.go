// Package graphstore persists the interaction graph in Neo4j.
package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/logger"
	"github.com/alim08/fin_advisor/pkg/metrics"
	"github.com/alim08/fin_advisor/pkg/models"
)

// Store implements recommend.Store on a Neo4j database.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, uri, user, password, database string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to reach neo4j: %w", err)
	}
	logger.Log.Info("graph store connected", zap.String("uri", uri))
	return &Store{driver: driver, database: database}, nil
}

// Ping verifies the driver can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

func observe(op string, start time.Time, err error) {
	metrics.DatabaseOperationDuration.WithLabelValues("neo4j_"+op, metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DatabaseErrors.WithLabelValues("neo4j_" + op).Inc()
	}
}

// EnsureSchema creates the uniqueness constraints the MERGEs rely on.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	for _, q := range []string{
		`CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`,
		`CREATE CONSTRAINT instrument_symbol IF NOT EXISTS FOR (i:Instrument) REQUIRE i.symbol IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
	}
	return nil
}

// SaveProfile upserts a user node's attributes.
func (s *Store) SaveProfile(ctx context.Context, p models.UserProfile) (err error) {
	start := time.Now()
	defer func() { observe("save_profile", start, err) }()

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (u:User {id: $userId})
			SET u.riskTolerance = $risk, u.experienceLevel = $experience
		`, map[string]any{
			"userId":     p.UserID,
			"risk":       string(p.RiskTolerance),
			"experience": string(p.ExperienceLevel),
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// interactionQuery returns the MERGE statement for one edge kind. Cypher
// cannot parameterize relationship types, so the kind is matched against
// the closed set here rather than interpolated.
func interactionQuery(kind models.InteractionKind) (string, error) {
	var rel string
	switch kind {
	case models.InvestedIn:
		rel = "INVESTED_IN"
	case models.InterestedIn:
		rel = "INTERESTED_IN"
	case models.Researched:
		rel = "RESEARCHED"
	default:
		return "", fmt.Errorf("unknown interaction kind %q", kind)
	}
	return `
		MERGE (u:User {id: $userId})
		ON CREATE SET u.riskTolerance = 'moderate', u.experienceLevel = 'beginner'
		MERGE (i:Instrument {symbol: $symbol})
		MERGE (u)-[r:` + rel + `]->(i)
		ON CREATE SET r.weight = $weight, r.timestamp = $ts
		ON MATCH SET
			r.weight = CASE WHEN r.timestamp <= $ts THEN $weight ELSE r.weight END,
			r.timestamp = CASE WHEN r.timestamp <= $ts THEN $ts ELSE r.timestamp END
	`, nil
}

// SaveInteraction upserts both nodes and the edge; an older timestamp never
// overwrites a newer one.
func (s *Store) SaveInteraction(ctx context.Context, in models.Interaction) (err error) {
	start := time.Now()
	defer func() { observe("save_interaction", start, err) }()

	query, err := interactionQuery(in.Kind)
	if err != nil {
		return err
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, map[string]any{
			"userId": in.UserID,
			"symbol": in.Symbol,
			"weight": in.Weight,
			"ts":     in.Timestamp.UnixMilli(),
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to save interaction: %w", err)
	}
	return nil
}

// LoadGraph reads every user node and interaction edge.
func (s *Store) LoadGraph(ctx context.Context) (profiles []models.UserProfile, interactions []models.Interaction, err error) {
	start := time.Now()
	defer func() { observe("load_graph", start, err) }()

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (u:User)
			RETURN u.id AS id, u.riskTolerance AS risk, u.experienceLevel AS experience
		`, nil)
		if err != nil {
			return nil, err
		}
		users, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range users {
			profiles = append(profiles, profileFromRecord(rec))
		}

		res, err = tx.Run(ctx, `
			MATCH (u:User)-[r:INVESTED_IN|INTERESTED_IN|RESEARCHED]->(i:Instrument)
			RETURN u.id AS userId, i.symbol AS symbol, type(r) AS kind, r.weight AS weight, r.timestamp AS ts
		`, nil)
		if err != nil {
			return nil, err
		}
		edges, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range edges {
			in, err := interactionFromRecord(rec)
			if err != nil {
				logger.Log.Warn("skipping malformed edge", zap.Error(err))
				continue
			}
			interactions = append(interactions, in)
		}
		return nil, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load graph: %w", err)
	}
	return profiles, interactions, nil
}

func profileFromRecord(rec *neo4j.Record) models.UserProfile {
	return models.UserProfile{
		UserID:          getString(rec, "id"),
		RiskTolerance:   models.ParseRiskTolerance(getString(rec, "risk")),
		ExperienceLevel: models.ParseExperienceLevel(getString(rec, "experience")),
	}
}

func interactionFromRecord(rec *neo4j.Record) (models.Interaction, error) {
	kind, err := models.ParseInteractionKind(getString(rec, "kind"))
	if err != nil {
		return models.Interaction{}, err
	}
	in := models.Interaction{
		UserID:    getString(rec, "userId"),
		Symbol:    getString(rec, "symbol"),
		Kind:      kind,
		Weight:    getFloat64(rec, "weight"),
		Timestamp: time.UnixMilli(getInt64(rec, "ts")).UTC(),
	}
	if in.UserID == "" || in.Symbol == "" {
		return models.Interaction{}, fmt.Errorf("edge missing endpoint: %+v", in)
	}
	return in, nil
}

func getString(rec *neo4j.Record, key string) string {
	val, ok := rec.Get(key)
	if !ok || val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

func getInt64(rec *neo4j.Record, key string) int64 {
	val, ok := rec.Get(key)
	if !ok || val == nil {
		return 0
	}
	switch v := val.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func getFloat64(rec *neo4j.Record, key string) float64 {
	val, ok := rec.Get(key)
	if !ok || val == nil {
		return 0
	}
	switch v := val.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}
