// Package postgres implements omnix.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	omnix "github.com/tg-prplx/OmniX-Moderation-bot"
)

// Store implements omnix.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ omnix.Store = (*Store)(nil)

// New creates a Store using the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the schema and applies migrations.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS moderation_rules (
			rule_id TEXT PRIMARY KEY,
			description TEXT,
			action TEXT,
			source TEXT,
			layer TEXT,
			rule_type TEXT,
			chat_id BIGINT NULL,
			pattern TEXT NULL,
			category TEXT NULL,
			priority INTEGER,
			action_duration_seconds BIGINT NULL,
			metadata_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS moderation_incidents (
			id BIGSERIAL PRIMARY KEY,
			rule_id TEXT,
			layer TEXT,
			action TEXT,
			priority INTEGER,
			chat_id BIGINT,
			user_id BIGINT,
			message_id BIGINT,
			occurred_at TEXT,
			reason TEXT NULL,
			payload_json TEXT
		)`,
		`ALTER TABLE moderation_rules ADD COLUMN IF NOT EXISTS action_duration_seconds BIGINT NULL`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// ListRules returns every persisted rule.
func (s *Store) ListRules(ctx context.Context) ([]omnix.ModerationRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule_id, description, action, source, layer, rule_type,
		       chat_id, pattern, category, priority, action_duration_seconds, metadata_json
		FROM moderation_rules
		ORDER BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules: %w", err)
	}
	defer rows.Close()

	var rules []omnix.ModerationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rules: %w", err)
	}
	return rules, nil
}

// UpsertRule inserts or replaces a rule by id.
func (s *Store) UpsertRule(ctx context.Context, rule omnix.ModerationRule) error {
	metadata, err := json.Marshal(rule.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO moderation_rules
			(rule_id, description, action, source, layer, rule_type,
			 chat_id, pattern, category, priority, action_duration_seconds, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (rule_id) DO UPDATE SET
			description = EXCLUDED.description,
			action = EXCLUDED.action,
			source = EXCLUDED.source,
			layer = EXCLUDED.layer,
			rule_type = EXCLUDED.rule_type,
			chat_id = EXCLUDED.chat_id,
			pattern = EXCLUDED.pattern,
			category = EXCLUDED.category,
			priority = EXCLUDED.priority,
			action_duration_seconds = EXCLUDED.action_duration_seconds,
			metadata_json = EXCLUDED.metadata_json`,
		rule.RuleID, rule.Description, string(rule.Action), string(rule.Source),
		string(rule.Layer), string(rule.RuleType),
		rule.ChatID, nullableString(rule.Pattern), nullableString(rule.Category),
		int(rule.Priority), rule.ActionDurationSeconds, string(metadata))
	if err != nil {
		return fmt.Errorf("postgres: upsert rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule by id. Deleting an absent rule is a no-op.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM moderation_rules WHERE rule_id = $1`, ruleID); err != nil {
		return fmt.Errorf("postgres: delete rule: %w", err)
	}
	return nil
}

// RecordBatchResults appends one incident per result with a verdict, all in
// one transaction.
func (s *Store) RecordBatchResults(ctx context.Context, results []*omnix.ModerationResult) error {
	var violations []*omnix.ModerationResult
	for _, result := range results {
		if result != nil && result.Verdict != nil {
			violations = append(violations, result)
		}
	}
	if len(violations) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin incidents: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, result := range violations {
		verdict := result.Verdict
		payload, err := json.Marshal(verdict.Details)
		if err != nil {
			return fmt.Errorf("postgres: marshal incident payload: %w", err)
		}
		ctxInfo := result.Message.Context
		if _, err := tx.Exec(ctx, `
			INSERT INTO moderation_incidents
				(rule_id, layer, action, priority, chat_id, user_id, message_id, occurred_at, reason, payload_json)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			verdict.RuleCode, string(verdict.Layer), string(verdict.Action), int(verdict.Priority),
			ctxInfo.ChatID, ctxInfo.UserID, ctxInfo.MessageID,
			time.Now().UTC().Format(time.RFC3339Nano),
			nullableString(verdict.Reason), string(payload)); err != nil {
			return fmt.Errorf("postgres: insert incident: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit incidents: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// scanRule reads one moderation_rules row.
func scanRule(rows pgx.Rows) (omnix.ModerationRule, error) {
	var (
		rule     omnix.ModerationRule
		action   string
		source   string
		layer    string
		ruleType string
		chatID   *int64
		pattern  *string
		category *string
		priority int
		duration *int64
		metadata *string
	)
	if err := rows.Scan(&rule.RuleID, &rule.Description, &action, &source, &layer, &ruleType,
		&chatID, &pattern, &category, &priority, &duration, &metadata); err != nil {
		return omnix.ModerationRule{}, err
	}
	rule.Action = omnix.Action(action)
	rule.Source = omnix.RuleSource(source)
	rule.Layer = omnix.LayerKind(layer)
	rule.RuleType = omnix.RuleType(ruleType)
	rule.Priority = omnix.Priority(priority)
	rule.ChatID = chatID
	rule.ActionDurationSeconds = duration
	if pattern != nil {
		rule.Pattern = *pattern
	}
	if category != nil {
		rule.Category = *category
	}
	if metadata != nil && *metadata != "" {
		if err := json.Unmarshal([]byte(*metadata), &rule.Metadata); err != nil {
			return omnix.ModerationRule{}, fmt.Errorf("metadata for %s: %w", rule.RuleID, err)
		}
	}
	return rule, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
