package billing

import (
	"context"
	"log/slog"
	"time"

	"leadscout/internal/types"
)

// QuotaWorkspaceStore is the workspace access the quota gate needs.
// Implemented by db.WorkspaceRepo.
type QuotaWorkspaceStore interface {
	GetByID(ctx context.Context, workspaceID string) (*types.Workspace, error)

	// IncrementLeadsUsed adds one atomically in SQL
	// (SET leads_used = leads_used + 1 ... RETURNING leads_used).
	IncrementLeadsUsed(ctx context.Context, workspaceID string) (int, error)

	ExpireLapsedGraceByID(ctx context.Context, workspaceID string, now time.Time, freeLimit int) (bool, error)
}

// UsageLedger is the ledger access the quota service needs.
// Implemented by db.UsageLedgerRepo.
type UsageLedger interface {
	Insert(ctx context.Context, e *types.UsageEvent) error
	Aggregate(ctx context.Context, workspaceID string, from, to time.Time) (*types.UsageReport, error)
}

// QuotaService enforces the lead quota and meters usage into the ledger.
type QuotaService struct {
	workspaces QuotaWorkspaceStore
	ledger     UsageLedger
	catalog    *Catalog
	logger     *slog.Logger
	clock      types.Clock
}

// NewQuotaService creates a QuotaService.
func NewQuotaService(workspaces QuotaWorkspaceStore, ledger UsageLedger, catalog *Catalog, logger *slog.Logger, clock types.Clock) *QuotaService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &QuotaService{
		workspaces: workspaces,
		ledger:     ledger,
		catalog:    catalog,
		logger:     logger,
		clock:      clock,
	}
}

// Record appends a usage event to the ledger. Best-effort: a ledger failure
// is logged and swallowed so it can never block or roll back the user action
// that produced it.
func (s *QuotaService) Record(ctx context.Context, workspaceID string, usageType types.UsageType, quantity int64, metadata types.Metadata) {
	err := s.ledger.Insert(ctx, &types.UsageEvent{
		WorkspaceID: workspaceID,
		Type:        usageType,
		Quantity:    quantity,
		Metadata:    metadata,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "usage ledger write failed",
			slog.String("workspace_id", workspaceID),
			slog.String("usage_type", string(usageType)),
			slog.String("error", err.Error()),
		)
	}
}

// ConsumeLead is the quota gate: it rejects when the workspace is at its
// limit, otherwise increments the counter atomically and returns the new
// count. Like the billing read path, it first expires a lapsed grace period
// so a delinquent workspace that outlived its grace window is enforced
// against the free limit, not its old paid one. The check and the increment
// are separate statements; a transient overshoot by one under concurrency is
// accepted rather than serializing lead consumption behind a lock.
func (s *QuotaService) ConsumeLead(ctx context.Context, workspaceID string) (int, error) {
	ws, err := s.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		return 0, err
	}

	if ws.GraceLapsed(s.clock.Now()) {
		free, err := s.catalog.FreePlan(ctx)
		if err != nil {
			return 0, err
		}
		applied, err := s.workspaces.ExpireLapsedGraceByID(ctx, workspaceID, s.clock.Now(), free.LeadsPerMonth)
		if err != nil {
			return 0, err
		}
		if applied {
			s.logger.InfoContext(ctx, "lapsed grace period expired on quota gate",
				slog.String("workspace_id", workspaceID),
			)
		}
		ws, err = s.workspaces.GetByID(ctx, workspaceID)
		if err != nil {
			return 0, err
		}
	}

	if ws.LeadsUsed >= ws.LeadsLimit {
		return 0, types.NewAppErrorWithDetails(
			types.ErrCodeLimitLeads,
			"lead quota exceeded for current plan",
			nil,
			map[string]any{
				"current": ws.LeadsUsed,
				"limit":   ws.LeadsLimit,
				"plan":    string(ws.CurrentPlan),
			},
		)
	}

	return s.workspaces.IncrementLeadsUsed(ctx, workspaceID)
}

// Report aggregates the workspace ledger over [from, to).
func (s *QuotaService) Report(ctx context.Context, workspaceID string, from, to time.Time) (*types.UsageReport, error) {
	return s.ledger.Aggregate(ctx, workspaceID, from, to)
}
