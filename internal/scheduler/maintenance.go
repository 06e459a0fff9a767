package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"leadscout/internal/types"
)

// LedgerPrunerDB is the data access surface for the retention job.
type LedgerPrunerDB interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.UsageEvent, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	InsertArchive(ctx context.Context, archivedThrough time.Time, rowCount int, payload []byte) error
}

// defaultPruneBatchLimit bounds how many ledger rows one archive blob holds.
const defaultPruneBatchLimit = 5000

// UsageLedgerPruner compacts usage ledger rows older than the retention
// window into zstd-compressed NDJSON archive blobs, then deletes them.
// Archival is at-least-once: a run interrupted between archive and delete
// re-archives the same rows on the next run, but every delete names the row
// ids of a committed blob, so a row is never dropped unarchived.
type UsageLedgerPruner struct {
	db         LedgerPrunerDB
	retention  time.Duration
	batchLimit int
	encoder    *zstd.Encoder
	logger     *slog.Logger
}

// NewUsageLedgerPruner creates a pruner with the given retention window.
func NewUsageLedgerPruner(db LedgerPrunerDB, retention time.Duration, logger *slog.Logger) (*UsageLedgerPruner, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageLedgerPruner{
		db:         db,
		retention:  retention,
		batchLimit: defaultPruneBatchLimit,
		encoder:    encoder,
		logger:     logger,
	}, nil
}

// Prune archives and deletes all ledger rows older than the retention
// window, one batch per archive blob, accepting a `now` parameter for
// deterministic testing. Returns the total number of rows deleted.
func (p *UsageLedgerPruner) Prune(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-p.retention)

	var total int64
	for {
		events, err := p.db.ListBefore(ctx, cutoff, p.batchLimit)
		if err != nil {
			return total, fmt.Errorf("list aged usage events: %w", err)
		}
		if len(events) == 0 {
			return total, nil
		}

		// A full batch is bounded by its newest row; the trailing partial
		// batch runs out to the retention cutoff itself.
		archivedThrough := cutoff
		if len(events) == p.batchLimit {
			archivedThrough = events[len(events)-1].OccurredAt
		}

		payload, err := p.compress(events)
		if err != nil {
			return total, err
		}
		if err := p.db.InsertArchive(ctx, archivedThrough, len(events), payload); err != nil {
			return total, fmt.Errorf("insert usage archive: %w", err)
		}

		// Delete exactly the archived rows. A timestamp cutoff would also
		// sweep rows the batch limit left behind, even when they share the
		// newest row's occurred_at down to the microsecond.
		ids := make([]string, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		deleted, err := p.db.DeleteByIDs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("delete archived usage events: %w", err)
		}
		total += deleted

		p.logger.InfoContext(ctx, "usage ledger batch archived",
			"rows", len(events),
			"deleted", deleted,
			"archived_through", archivedThrough.Format(time.RFC3339),
			"compressed_bytes", len(payload),
		)

		if len(events) < p.batchLimit {
			return total, nil
		}
	}
}

// compress serializes the events as NDJSON and zstd-compresses the result.
func (p *UsageLedgerPruner) compress(events []*types.UsageEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("encode usage event %s: %w", e.ID, err)
		}
	}
	return p.encoder.EncodeAll(buf.Bytes(), nil), nil
}
