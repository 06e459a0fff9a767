package scheduler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"leadscout/internal/types"
)

// ============================================================
// Mock Implementations
// ============================================================

type archivedBlob struct {
	through  time.Time
	rowCount int
	payload  []byte
}

type mockLedgerDB struct {
	// batches is returned by ListBefore one element per call. When exhausted,
	// ListBefore returns nil.
	batches [][]*types.UsageEvent
	listErr error

	deleteErr error
	insertErr error

	archives      []archivedBlob
	deletedIDs    [][]string
	listCutoffs   []time.Time
	gotListLimits []int
}

func (m *mockLedgerDB) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]*types.UsageEvent, error) {
	m.listCutoffs = append(m.listCutoffs, cutoff)
	m.gotListLimits = append(m.gotListLimits, limit)
	if m.listErr != nil {
		return nil, m.listErr
	}
	if len(m.batches) == 0 {
		return nil, nil
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	return batch, nil
}

func (m *mockLedgerDB) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	m.deletedIDs = append(m.deletedIDs, ids)
	return int64(len(ids)), nil
}

func (m *mockLedgerDB) InsertArchive(_ context.Context, archivedThrough time.Time, rowCount int, payload []byte) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.archives = append(m.archives, archivedBlob{through: archivedThrough, rowCount: rowCount, payload: payload})
	return nil
}

// ============================================================
// Test Helpers
// ============================================================

func usageEvent(id string, occurredAt time.Time) *types.UsageEvent {
	return &types.UsageEvent{
		ID:          id,
		WorkspaceID: "ws_1",
		Type:        types.UsageGoogleSearch,
		Quantity:    1,
		OccurredAt:  occurredAt,
	}
}

func newTestPruner(t *testing.T, db *mockLedgerDB, retention time.Duration) *UsageLedgerPruner {
	t.Helper()
	pruner, err := NewUsageLedgerPruner(db, retention, testLogger())
	if err != nil {
		t.Fatalf("failed to create pruner: %v", err)
	}
	return pruner
}

// decodeArchive decompresses a blob and returns the NDJSON event ids.
func decodeArchive(t *testing.T, payload []byte) []string {
	t.Helper()
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		t.Fatalf("failed to create zstd decoder: %v", err)
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(payload, nil)
	if err != nil {
		t.Fatalf("failed to decompress archive: %v", err)
	}

	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		var e types.UsageEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("archive line is not a usage event: %v", err)
		}
		ids = append(ids, e.ID)
	}
	return ids
}

// ============================================================
// Tests
// ============================================================

func TestLedgerPruner_NoAgedRows(t *testing.T) {
	db := &mockLedgerDB{}
	pruner := newTestPruner(t, db, 365*24*time.Hour)

	deleted, err := pruner.Prune(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected 0 deleted, got %d", deleted)
	}
	if len(db.archives) != 0 {
		t.Error("no archive should be written for an empty ledger")
	}
	if len(db.deletedIDs) != 0 {
		t.Error("no delete should run for an empty ledger")
	}
}

func TestLedgerPruner_SingleBatch(t *testing.T) {
	now := time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC)
	retention := 365 * 24 * time.Hour
	cutoff := now.Add(-retention)

	old := cutoff.Add(-48 * time.Hour)
	db := &mockLedgerDB{
		batches: [][]*types.UsageEvent{{
			usageEvent("evt_1", old),
			usageEvent("evt_2", old.Add(time.Hour)),
			usageEvent("evt_3", old.Add(2*time.Hour)),
		}},
	}
	pruner := newTestPruner(t, db, retention)

	deleted, err := pruner.Prune(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted, got %d", deleted)
	}

	if len(db.listCutoffs) != 1 || !db.listCutoffs[0].Equal(cutoff) {
		t.Errorf("expected one list at retention cutoff %v, got %v", cutoff, db.listCutoffs)
	}
	if len(db.archives) != 1 {
		t.Fatalf("expected one archive blob, got %d", len(db.archives))
	}
	blob := db.archives[0]
	if blob.rowCount != 3 {
		t.Errorf("expected row count 3, got %d", blob.rowCount)
	}
	// A partial batch archives through the retention cutoff itself.
	if !blob.through.Equal(cutoff) {
		t.Errorf("expected archived_through %v, got %v", cutoff, blob.through)
	}
	if ids := decodeArchive(t, blob.payload); len(ids) != 3 || ids[0] != "evt_1" || ids[2] != "evt_3" {
		t.Errorf("unexpected archived ids: %v", ids)
	}
	if len(db.deletedIDs) != 1 {
		t.Fatalf("expected one delete, got %d", len(db.deletedIDs))
	}
	if got := db.deletedIDs[0]; len(got) != 3 || got[0] != "evt_1" || got[2] != "evt_3" {
		t.Errorf("delete must name exactly the archived rows, got %v", got)
	}
}

func TestLedgerPruner_MultipleBatches(t *testing.T) {
	now := time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC)
	retention := 30 * 24 * time.Hour
	cutoff := now.Add(-retention)
	old := cutoff.Add(-10 * 24 * time.Hour)

	db := &mockLedgerDB{
		batches: [][]*types.UsageEvent{
			{usageEvent("evt_1", old), usageEvent("evt_2", old.Add(time.Minute))},
			{usageEvent("evt_3", old.Add(2 * time.Minute))},
		},
	}
	pruner := newTestPruner(t, db, retention)
	pruner.batchLimit = 2

	deleted, err := pruner.Prune(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted across two batches, got %d", deleted)
	}

	if len(db.archives) != 2 {
		t.Fatalf("expected two archive blobs, got %d", len(db.archives))
	}
	// The full first batch is bounded by its newest row; the trailing partial
	// batch runs out to the retention cutoff.
	if !db.archives[0].through.Equal(old.Add(time.Minute)) {
		t.Errorf("unexpected first archived_through: %v", db.archives[0].through)
	}
	if !db.archives[1].through.Equal(cutoff) {
		t.Errorf("unexpected second archived_through: %v", db.archives[1].through)
	}
	if len(db.deletedIDs) != 2 {
		t.Fatalf("expected two deletes, got %d", len(db.deletedIDs))
	}
}

func TestLedgerPruner_SharedTimestampSpanningBatches(t *testing.T) {
	now := time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC)
	retention := 30 * 24 * time.Hour
	shared := now.Add(-retention).Add(-time.Hour)

	// Three rows share one occurred_at but only two fit a batch. The third
	// must survive the first delete and land in the second archive blob.
	db := &mockLedgerDB{
		batches: [][]*types.UsageEvent{
			{usageEvent("evt_1", shared), usageEvent("evt_2", shared)},
			{usageEvent("evt_3", shared)},
		},
	}
	pruner := newTestPruner(t, db, retention)
	pruner.batchLimit = 2

	deleted, err := pruner.Prune(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted, got %d", deleted)
	}
	if len(db.deletedIDs) != 2 {
		t.Fatalf("expected two deletes, got %d", len(db.deletedIDs))
	}
	if got := db.deletedIDs[0]; len(got) != 2 || got[0] != "evt_1" || got[1] != "evt_2" {
		t.Errorf("first delete must cover only the first archived batch, got %v", got)
	}
	if got := db.deletedIDs[1]; len(got) != 1 || got[0] != "evt_3" {
		t.Errorf("second delete must cover the leftover row, got %v", got)
	}
	if len(db.archives) != 2 {
		t.Fatalf("expected two archive blobs, got %d", len(db.archives))
	}
	if ids := decodeArchive(t, db.archives[1].payload); len(ids) != 1 || ids[0] != "evt_3" {
		t.Errorf("leftover row must be archived before deletion, got %v", ids)
	}
}

func TestLedgerPruner_ArchiveFailureStopsDelete(t *testing.T) {
	now := time.Now().UTC()
	db := &mockLedgerDB{
		batches:   [][]*types.UsageEvent{{usageEvent("evt_1", now.Add(-400 * 24 * time.Hour))}},
		insertErr: errors.New("insert failed"),
	}
	pruner := newTestPruner(t, db, 365*24*time.Hour)

	if _, err := pruner.Prune(context.Background(), now); err == nil {
		t.Fatal("expected archive failure to propagate")
	}
	if len(db.deletedIDs) != 0 {
		t.Error("rows must never be deleted before their archive is committed")
	}
}

func TestLedgerPruner_DeleteFailure(t *testing.T) {
	now := time.Now().UTC()
	db := &mockLedgerDB{
		batches:   [][]*types.UsageEvent{{usageEvent("evt_1", now.Add(-400 * 24 * time.Hour))}},
		deleteErr: errors.New("delete failed"),
	}
	pruner := newTestPruner(t, db, 365*24*time.Hour)

	if _, err := pruner.Prune(context.Background(), now); err == nil {
		t.Fatal("expected delete failure to propagate")
	}
	if len(db.archives) != 1 {
		t.Errorf("the archive should have been written before the failed delete, got %d", len(db.archives))
	}
}
