package omnix

import "context"

// Store abstracts durable persistence for rules and incidents. Rules get full
// CRUD (upsert by id); incidents are append-only. The store is the source of
// truth for rules; the in-memory RuleRegistry holds a derived snapshot.
type Store interface {
	// Init connects, creates the schema, and applies migrations.
	Init(ctx context.Context) error

	// --- Rules ---
	ListRules(ctx context.Context) ([]ModerationRule, error)
	UpsertRule(ctx context.Context, rule ModerationRule) error
	DeleteRule(ctx context.Context, ruleID string) error

	// --- Incidents ---

	// RecordBatchResults appends one incident row per result carrying a
	// non-nil verdict. Results without verdicts are skipped.
	RecordBatchResults(ctx context.Context, results []*ModerationResult) error

	// Close releases the underlying connection.
	Close() error
}
