package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"leadscout/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows for Query ---

// mockRows implements pgx.Rows for testing Query results.
type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *int:
			*v = row[i].(int)
		case *int64:
			*v = row[i].(int64)
		case *float64:
			*v = row[i].(float64)
		case *bool:
			*v = row[i].(bool)
		case *time.Time:
			*v = row[i].(time.Time)
		case **time.Time:
			if row[i] == nil {
				*v = nil
			} else {
				t := row[i].(time.Time)
				*v = &t
			}
		case *types.PlanKey:
			*v = types.PlanKey(row[i].(string))
		case *types.SubscriptionStatus:
			*v = types.SubscriptionStatus(row[i].(string))
		case *types.ProviderKind:
			*v = types.ProviderKind(row[i].(string))
		case *types.BillingCycle:
			*v = types.BillingCycle(row[i].(string))
		case *types.UsageType:
			*v = types.UsageType(row[i].(string))
		case *types.Metadata:
			if row[i] != nil {
				*v = row[i].(types.Metadata)
			}
		}
	}
	return nil
}

func (r *mockRows) Close()                                        { r.closed = true }
func (r *mockRows) Err() error                                    { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                 { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription  { return nil }
func (r *mockRows) RawValues() [][]byte                           { return nil }
func (r *mockRows) Values() ([]any, error)                        { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                               { return nil }

// workspaceRow builds a mockRows row matching workspaceColumns order.
func workspaceRow(id string, plan string, used, limit int, status string, provider string, extSub string, pendingPlan string, pendingAt *time.Time) []any {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var pending any
	if pendingAt != nil {
		pending = *pendingAt
	}
	return []any{
		id, "Acme Workspace", plan, used, limit,
		status, provider, extSub, "cus_1",
		"monthly", nil, nil,
		pendingPlan, pending, now, now,
	}
}
