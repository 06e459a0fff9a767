package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"leadscout/internal/types"
)

// UsageLedgerRepo provides data access for the usage_events ledger.
// The ledger is append-only: rows are inserted when a metered action happens
// and are never updated. AI token counts live in the metadata JSONB column
// (input_tokens / output_tokens), not in quantity.
type UsageLedgerRepo struct {
	db DBTX
}

// NewUsageLedgerRepo creates a new UsageLedgerRepo backed by the given
// database connection (pool or transaction).
func NewUsageLedgerRepo(db DBTX) *UsageLedgerRepo {
	return &UsageLedgerRepo{db: db}
}

// Insert appends one ledger row. The caller treats failures as best-effort:
// they are logged, never propagated into the user action.
func (r *UsageLedgerRepo) Insert(ctx context.Context, e *types.UsageEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_events (id, workspace_id, usage_type, quantity, metadata, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.WorkspaceID, e.Type, e.Quantity, e.Metadata, e.OccurredAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert usage event", err)
	}
	return nil
}

// Aggregate computes the usage report for a workspace over [from, to).
//
// Search and details counts sum the quantity column; AI token totals sum the
// metadata integers. A single conditional-aggregation pass keeps this one
// query:
//
//	SELECT
//	  COALESCE(SUM(quantity) FILTER (WHERE usage_type = 'google_search'), 0),
//	  COALESCE(SUM(quantity) FILTER (WHERE usage_type = 'place_details'), 0),
//	  COALESCE(SUM((metadata->>'input_tokens')::bigint)  FILTER (WHERE usage_type = 'ai_tokens'), 0),
//	  COALESCE(SUM((metadata->>'output_tokens')::bigint) FILTER (WHERE usage_type = 'ai_tokens'), 0)
//	FROM usage_events
//	WHERE workspace_id = $1 AND occurred_at >= $2 AND occurred_at < $3
func (r *UsageLedgerRepo) Aggregate(ctx context.Context, workspaceID string, from, to time.Time) (*types.UsageReport, error) {
	report := &types.UsageReport{
		WorkspaceID: workspaceID,
		From:        from,
		To:          to,
	}
	err := r.db.QueryRow(ctx,
		`SELECT
		   COALESCE(SUM(quantity) FILTER (WHERE usage_type = 'google_search'), 0),
		   COALESCE(SUM(quantity) FILTER (WHERE usage_type = 'place_details'), 0),
		   COALESCE(SUM((metadata->>'input_tokens')::bigint)  FILTER (WHERE usage_type = 'ai_tokens'), 0),
		   COALESCE(SUM((metadata->>'output_tokens')::bigint) FILTER (WHERE usage_type = 'ai_tokens'), 0)
		 FROM usage_events
		 WHERE workspace_id = $1 AND occurred_at >= $2 AND occurred_at < $3`,
		workspaceID, from, to,
	).Scan(
		&report.GoogleSearchCount,
		&report.DetailsCount,
		&report.AIInputTokens,
		&report.AIOutputTokens,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate usage events", err)
	}
	return report, nil
}

// ListBefore streams ledger rows older than the cutoff, oldest first, for
// the retention job to archive before deletion.
func (r *UsageLedgerRepo) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.UsageEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, workspace_id, usage_type, quantity, metadata, occurred_at
		 FROM usage_events
		 WHERE occurred_at < $1
		 ORDER BY occurred_at, id
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list aged usage events", err)
	}
	defer rows.Close()

	var out []*types.UsageEvent
	for rows.Next() {
		var e types.UsageEvent
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Type, &e.Quantity, &e.Metadata, &e.OccurredAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage event row", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage events", err)
	}
	return out, nil
}

// DeleteByIDs removes exactly the given ledger rows and returns the count.
// Called only after the rows were archived, so rows outside the archived
// batch are never touched even when they share an occurred_at timestamp.
func (r *UsageLedgerRepo) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM usage_events WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived usage events", err)
	}
	return tag.RowsAffected(), nil
}

// InsertArchive stores one compressed archive blob produced by the retention
// job: zstd-compressed NDJSON of the rows deleted in the same run.
func (r *UsageLedgerRepo) InsertArchive(ctx context.Context, archivedThrough time.Time, rowCount int, payload []byte) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_archives (archived_through, row_count, payload, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		archivedThrough, rowCount, payload,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert usage archive", err)
	}
	return nil
}
