// Package sqlite implements omnix.Store on a local SQLite file using the
// pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	omnix "github.com/tg-prplx/OmniX-Moderation-bot"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs are
// emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements omnix.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ omnix.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init enables WAL, creates the schema, and applies migrations.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("sqlite: enable wal: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS moderation_rules (
			rule_id TEXT PRIMARY KEY,
			description TEXT,
			action TEXT,
			source TEXT,
			layer TEXT,
			rule_type TEXT,
			chat_id INTEGER NULL,
			pattern TEXT NULL,
			category TEXT NULL,
			priority INTEGER,
			action_duration_seconds INTEGER NULL,
			metadata_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS moderation_incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id TEXT,
			layer TEXT,
			action TEXT,
			priority INTEGER,
			chat_id INTEGER,
			user_id INTEGER,
			message_id INTEGER,
			occurred_at TEXT,
			reason TEXT NULL,
			payload_json TEXT
		)`,
	}
	for _, stmt := range tables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		return err
	}
	s.logger.Debug("sqlite: init complete", "elapsed", time.Since(start))
	return nil
}

// migrate adds columns introduced after the initial schema. Older databases
// predate action_duration_seconds.
func (s *Store) migrate(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(moderation_rules)`)
	if err != nil {
		return fmt.Errorf("sqlite: inspect schema: %w", err)
	}
	defer rows.Close()

	hasDuration := false
	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			dflt     sql.NullString
			primaryK int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &primaryK); err != nil {
			return fmt.Errorf("sqlite: inspect schema: %w", err)
		}
		if name == "action_duration_seconds" {
			hasDuration = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: inspect schema: %w", err)
	}
	if !hasDuration {
		if _, err := s.db.ExecContext(ctx,
			`ALTER TABLE moderation_rules ADD COLUMN action_duration_seconds INTEGER NULL`); err != nil {
			return fmt.Errorf("sqlite: add action_duration_seconds: %w", err)
		}
		s.logger.Info("sqlite: migrated schema", "added", "action_duration_seconds")
	}
	return nil
}

// ListRules returns every persisted rule.
func (s *Store) ListRules(ctx context.Context) ([]omnix.ModerationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, description, action, source, layer, rule_type,
		       chat_id, pattern, category, priority, action_duration_seconds, metadata_json
		FROM moderation_rules
		ORDER BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rules: %w", err)
	}
	defer rows.Close()

	var rules []omnix.ModerationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list rules: %w", err)
	}
	s.logger.Debug("sqlite: rules listed", "count", len(rules))
	return rules, nil
}

// UpsertRule inserts or replaces a rule by id.
func (s *Store) UpsertRule(ctx context.Context, rule omnix.ModerationRule) error {
	metadata, err := json.Marshal(rule.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO moderation_rules
			(rule_id, description, action, source, layer, rule_type,
			 chat_id, pattern, category, priority, action_duration_seconds, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			description = excluded.description,
			action = excluded.action,
			source = excluded.source,
			layer = excluded.layer,
			rule_type = excluded.rule_type,
			chat_id = excluded.chat_id,
			pattern = excluded.pattern,
			category = excluded.category,
			priority = excluded.priority,
			action_duration_seconds = excluded.action_duration_seconds,
			metadata_json = excluded.metadata_json`,
		rule.RuleID, rule.Description, string(rule.Action), string(rule.Source),
		string(rule.Layer), string(rule.RuleType),
		nullableInt64(rule.ChatID), nullableString(rule.Pattern), nullableString(rule.Category),
		int(rule.Priority), nullableInt64(rule.ActionDurationSeconds), string(metadata))
	if err != nil {
		return fmt.Errorf("sqlite: upsert rule: %w", err)
	}
	s.logger.Debug("sqlite: rule upserted", "rule_id", rule.RuleID)
	return nil
}

// DeleteRule removes a rule by id. Deleting an absent rule is a no-op.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM moderation_rules WHERE rule_id = ?`, ruleID); err != nil {
		return fmt.Errorf("sqlite: delete rule: %w", err)
	}
	s.logger.Debug("sqlite: rule deleted", "rule_id", ruleID)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin incidents: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO moderation_incidents
			(rule_id, layer, action, priority, chat_id, user_id, message_id, occurred_at, reason, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare incident: %w", err)
	}
	defer stmt.Close()

	for _, result := range violations {
		verdict := result.Verdict
		payload, err := json.Marshal(verdict.Details)
		if err != nil {
			return fmt.Errorf("sqlite: marshal incident payload: %w", err)
		}
		ctxInfo := result.Message.Context
		if _, err := stmt.ExecContext(ctx,
			verdict.RuleCode, string(verdict.Layer), string(verdict.Action), int(verdict.Priority),
			ctxInfo.ChatID, ctxInfo.UserID, ctxInfo.MessageID,
			time.Now().UTC().Format(time.RFC3339Nano),
			nullableString(verdict.Reason), string(payload)); err != nil {
			return fmt.Errorf("sqlite: insert incident: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit incidents: %w", err)
	}
	s.logger.Debug("sqlite: incidents recorded", "count", len(violations))
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanRule reads one moderation_rules row.
func scanRule(rows *sql.Rows) (omnix.ModerationRule, error) {
	var (
		rule     omnix.ModerationRule
		action   string
		source   string
		layer    string
		ruleType string
		chatID   sql.NullInt64
		pattern  sql.NullString
		category sql.NullString
		priority int
		duration sql.NullInt64
		metadata sql.NullString
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
	if chatID.Valid {
		rule.ChatID = &chatID.Int64
	}
	rule.Pattern = pattern.String
	rule.Category = category.String
	if duration.Valid {
		rule.ActionDurationSeconds = &duration.Int64
	}
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rule.Metadata); err != nil {
			return omnix.ModerationRule{}, fmt.Errorf("metadata for %s: %w", rule.RuleID, err)
		}
	}
	return rule, nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
