package offline

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"swiftpos/backend/internal/domain"
)

func testRequest(sku string) domain.SaleRequest {
	return domain.SaleRequest{
		Items: []domain.CartItem{
			{SKU: sku, Quantity: 1, UnitPrice: decimal.RequireFromString("62"), DiscountType: domain.DiscountNone},
		},
		Subtotal:      decimal.RequireFromString("62"),
		GrandTotal:    decimal.RequireFromString("62"),
		PaymentMethod: "cash",
		Cashier:       "asha",
	}
}

func TestEnqueueAssignsIDAndToken(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.json"))
	require.NoError(t, err)

	first, err := q.Enqueue(testRequest("SKU-MILK-1L"))
	require.NoError(t, err)
	second, err := q.Enqueue(testRequest("SKU-TEA-250G"))
	require.NoError(t, err)

	require.Equal(t, int64(1), first.LocalID)
	require.Equal(t, int64(2), second.LocalID)
	require.Equal(t, StatusPending, first.SyncStatus)
	require.NotEmpty(t, first.Request.IdempotencyKey)
	require.NotEqual(t, first.Request.IdempotencyKey, second.Request.IdempotencyKey)
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	q, err := Open(path)
	require.NoError(t, err)

	entry, err := q.Enqueue(testRequest("SKU-MILK-1L"))
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, 1, reopened.Len())

	pending := reopened.Pending()
	require.Equal(t, entry.LocalID, pending[0].LocalID)
	require.Equal(t, entry.Request.IdempotencyKey, pending[0].Request.IdempotencyKey)

	// Local ids keep counting after a restart.
	next, err := reopened.Enqueue(testRequest("SKU-TEA-250G"))
	require.NoError(t, err)
	require.Equal(t, int64(2), next.LocalID)
}

func TestMarkSyncedDeletesEntry(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.json"))
	require.NoError(t, err)

	entry, err := q.Enqueue(testRequest("SKU-MILK-1L"))
	require.NoError(t, err)

	require.NoError(t, q.MarkSynced(entry.LocalID))
	require.Equal(t, 0, q.Len())

	err = q.MarkSynced(entry.LocalID)
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestMarkFailedRetainsEntryWithReason(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.json"))
	require.NoError(t, err)

	entry, err := q.Enqueue(testRequest("SKU-MILK-1L"))
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(entry.LocalID, "insufficient stock: sku SKU-MILK-1L available=0 requested=1"))

	pending := q.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, StatusFailed, pending[0].SyncStatus)
	require.Contains(t, pending[0].FailureReason, "insufficient stock")
}
