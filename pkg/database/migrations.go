package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/logger"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	UpSQL       string
	DownSQL     string
}

// Migrations holds all database migrations
var Migrations = []Migration{
	{
		Version:     1,
		Description: "Create users and goals",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS users (
				id VARCHAR(64) PRIMARY KEY,
				risk_tolerance VARCHAR(16) NOT NULL DEFAULT 'moderate',
				experience_level VARCHAR(16) NOT NULL DEFAULT 'beginner',
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS goals (
				id BIGSERIAL PRIMARY KEY,
				user_id VARCHAR(64) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				title VARCHAR(200) NOT NULL,
				target_amount DECIMAL(20,2) NOT NULL CHECK (target_amount >= 0),
				current_amount DECIMAL(20,2) NOT NULL DEFAULT 0,
				time_horizon VARCHAR(32) NOT NULL DEFAULT 'medium',
				goal_type VARCHAR(32) NOT NULL DEFAULT 'other',
				priority INTEGER NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_goals_user_active ON goals(user_id, active);
		`,
		DownSQL: `
			DROP TABLE IF EXISTS goals;
			DROP TABLE IF EXISTS users;
		`,
	},
}

// RunMigrations applies every migration not yet recorded.
func (db *DB) RunMigrations(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, m := range Migrations {
		if applied[m.Version] {
			continue
		}
		logger.Log.Info("applying migration",
			zap.Int("version", m.Version),
			zap.String("description", m.Description))
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (db *DB) apply(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO migrations (version, description) VALUES ($1, $2)`,
		m.Version, m.Description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
