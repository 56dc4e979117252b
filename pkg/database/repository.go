package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alim08/fin_advisor/pkg/metrics"
	"github.com/alim08/fin_advisor/pkg/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// GoalRepository is the read contract the chat pipeline uses against the
// relational store, plus the profile upsert used by the API.
type GoalRepository interface {
	GetGoalsForUser(ctx context.Context, userID string) ([]models.Goal, error)
	GetUserProfile(ctx context.Context, userID string) (models.UserProfile, error)
	UpsertUserProfile(ctx context.Context, p models.UserProfile) error
}

type goalRepository struct {
	db *DB
}

// NewGoalRepository creates a repository over db.
func NewGoalRepository(db *DB) GoalRepository {
	return &goalRepository{db: db}
}

// observe records duration and error metrics for one operation.
func observe(op string, start time.Time, err error) {
	metrics.DatabaseOperationDuration.WithLabelValues(op, metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DatabaseErrors.WithLabelValues(op).Inc()
	}
}

// GetGoalsForUser returns active goals, highest priority first.
func (r *goalRepository) GetGoalsForUser(ctx context.Context, userID string) (goals []models.Goal, err error) {
	start := time.Now()
	defer func() { observe("get_goals", start, err) }()

	query := `
		SELECT id, user_id, title, target_amount, current_amount, time_horizon, goal_type, priority, created_at
		FROM goals
		WHERE user_id = $1 AND active = TRUE
		ORDER BY priority DESC, created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get goals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g models.Goal
		if err := rows.Scan(&g.ID, &g.UserID, &g.Title, &g.TargetAmount, &g.CurrentAmount,
			&g.TimeHorizon, &g.GoalType, &g.Priority, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		goals = append(goals, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating goals: %w", err)
	}
	return goals, nil
}

// GetUserProfile returns ErrNotFound when the user has no row.
func (r *goalRepository) GetUserProfile(ctx context.Context, userID string) (p models.UserProfile, err error) {
	start := time.Now()
	defer func() {
		if errors.Is(err, ErrNotFound) {
			observe("get_profile", start, nil)
			return
		}
		observe("get_profile", start, err)
	}()

	query := `SELECT risk_tolerance, experience_level FROM users WHERE id = $1`
	var risk, exp string
	err = r.db.QueryRowContext(ctx, query, userID).Scan(&risk, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserProfile{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("failed to get user profile: %w", err)
	}
	return models.UserProfile{
		UserID:          userID,
		RiskTolerance:   models.ParseRiskTolerance(risk),
		ExperienceLevel: models.ParseExperienceLevel(exp),
	}, nil
}

// UpsertUserProfile writes the profile attributes of a user.
func (r *goalRepository) UpsertUserProfile(ctx context.Context, p models.UserProfile) (err error) {
	start := time.Now()
	defer func() { observe("upsert_profile", start, err) }()

	query := `
		INSERT INTO users (id, risk_tolerance, experience_level)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			risk_tolerance = EXCLUDED.risk_tolerance,
			experience_level = EXCLUDED.experience_level,
			updated_at = NOW()
	`
	if _, err = r.db.ExecContext(ctx, query, p.UserID, string(p.RiskTolerance), string(p.ExperienceLevel)); err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}
