package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"swiftpos/backend/internal/cache"
	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/store"
	"swiftpos/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, cache.NoopInventoryCache{}, 5*time.Second), repo
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func productQty(t *testing.T, repo *memory.Store, sku string) int {
	t.Helper()
	p, err := repo.GetProductBySKU(context.Background(), sku)
	if err != nil {
		t.Fatalf("get product %s: %v", sku, err)
	}
	return p.Quantity
}

// milkCart builds a priced request for qty units of SKU-MILK-1L
// (selling price 62) with a 10% discount and 18% tax, totals computed
// the same way the client would.
func milkCart(qty int) domain.SaleRequest {
	lineTotal := dec("62").Mul(decimal.NewFromInt(int64(qty)))
	discount := lineTotal.Div(dec("10"))
	taxable := lineTotal.Sub(discount)
	tax := taxable.Mul(dec("18")).Div(dec("100"))

	return domain.SaleRequest{
		IdempotencyKey: fmt.Sprintf("idem-milk-%d", qty),
		Items: []domain.CartItem{
			{SKU: "SKU-MILK-1L", Quantity: qty, UnitPrice: dec("62"), DiscountType: domain.DiscountPercent, DiscountValue: dec("10")},
		},
		TaxRatePercent: dec("18"),
		Subtotal:       lineTotal.Round(2),
		DiscountAmount: discount.Round(2),
		TaxAmount:      tax.Round(2),
		GrandTotal:     taxable.Add(tax).Round(2),
		PaymentMethod:  "cash",
		Cashier:        "asha",
	}
}

func TestCommitSaleDecrementsStockAndPricesServerSide(t *testing.T) {
	svc, repo := newTestService()
	before := productQty(t, repo, "SKU-MILK-1L")

	resp, err := svc.CommitSale(context.Background(), milkCart(2))
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if resp.Duplicate {
		t.Fatalf("fresh commit reported duplicate")
	}

	sale := resp.Sale
	if sale.ReceiptNumber == "" {
		t.Fatalf("expected a receipt number")
	}
	if sale.Status != domain.SaleStatusComplete {
		t.Fatalf("expected status Complete, got %s", sale.Status)
	}
	// 2 * 62 = 124, 10%% discount = 12.40, taxable 111.60, 18%% tax = 20.088 -> 20.09.
	if !sale.Subtotal.Equal(dec("124")) {
		t.Fatalf("subtotal: got %s", sale.Subtotal)
	}
	if !sale.DiscountAmount.Equal(dec("12.40")) {
		t.Fatalf("discount: got %s", sale.DiscountAmount)
	}
	if !sale.TaxAmount.Equal(dec("20.09")) {
		t.Fatalf("tax: got %s", sale.TaxAmount)
	}
	if !sale.GrandTotal.Equal(dec("131.69")) {
		t.Fatalf("grand total: got %s", sale.GrandTotal)
	}

	if got := productQty(t, repo, "SKU-MILK-1L"); got != before-2 {
		t.Fatalf("expected stock %d, got %d", before-2, got)
	}

	history, err := repo.ListStockHistory(context.Background(), "SKU-MILK-1L", 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Action != domain.StockActionSale || history[0].QtyChange != -2 {
		t.Fatalf("expected Sale history record with qty_change -2, got %+v", history)
	}
}

func TestCommitSaleRejectsTotalMismatchWithoutStockMutation(t *testing.T) {
	svc, repo := newTestService()
	before := productQty(t, repo, "SKU-MILK-1L")

	req := milkCart(2)
	req.GrandTotal = dec("99.99")

	_, err := svc.CommitSale(context.Background(), req)
	var mismatch *TotalMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected TotalMismatchError, got %v", err)
	}
	if len(mismatch.Details) == 0 {
		t.Fatalf("expected mismatch details")
	}

	if got := productQty(t, repo, "SKU-MILK-1L"); got != before {
		t.Fatalf("stock mutated on rejected commit: %d != %d", got, before)
	}
}

func TestCommitSaleToleratesOneCentRounding(t *testing.T) {
	svc, _ := newTestService()

	req := milkCart(2)
	// Off by exactly one cent: within tolerance.
	req.TaxAmount = dec("20.08")
	req.GrandTotal = dec("131.68")

	if _, err := svc.CommitSale(context.Background(), req); err != nil {
		t.Fatalf("one-cent divergence should pass: %v", err)
	}
}

func TestCommitSaleInsufficientStockNamesSKUAndRollsBack(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU: "SKU-GHEE-1L", Name: "Ghee 1L", Category: "grocery",
		CostPrice: dec("420"), SellingPrice: dec("520"), InitialStock: 3,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	milkBefore := productQty(t, repo, "SKU-MILK-1L")

	// First line would succeed on its own; second line requests 5 of 3.
	_, err := svc.CommitSale(ctx, domain.SaleRequest{
		IdempotencyKey: "idem-overdraw",
		Items: []domain.CartItem{
			{SKU: "SKU-MILK-1L", Quantity: 1, UnitPrice: dec("62"), DiscountType: domain.DiscountNone},
			{SKU: "SKU-GHEE-1L", Quantity: 5, UnitPrice: dec("520"), DiscountType: domain.DiscountNone},
		},
		TaxRatePercent: decimal.Zero,
		Subtotal:       dec("2662"),
		DiscountAmount: decimal.Zero,
		TaxAmount:      decimal.Zero,
		GrandTotal:     dec("2662"),
		PaymentMethod:  "cash",
		Cashier:        "asha",
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if want := "SKU-GHEE-1L"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error should name %s: %v", want, err)
	}

	// Both items untouched, including the line that would have passed.
	if got := productQty(t, repo, "SKU-MILK-1L"); got != milkBefore {
		t.Fatalf("milk stock mutated: %d != %d", got, milkBefore)
	}
	if got := productQty(t, repo, "SKU-GHEE-1L"); got != 3 {
		t.Fatalf("ghee stock mutated: %d != 3", got)
	}
}

func TestCommitSaleIdempotencyReturnsExistingSale(t *testing.T) {
	svc, repo := newTestService()
	before := productQty(t, repo, "SKU-MILK-1L")

	req := milkCart(2)
	first, err := svc.CommitSale(context.Background(), req)
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}

	second, err := svc.CommitSale(context.Background(), req)
	if err != nil {
		t.Fatalf("replayed commit: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("replay should report duplicate")
	}
	if second.Sale.ReceiptNumber != first.Sale.ReceiptNumber {
		t.Fatalf("replay returned a different sale: %s != %s", second.Sale.ReceiptNumber, first.Sale.ReceiptNumber)
	}

	if got := productQty(t, repo, "SKU-MILK-1L"); got != before-2 {
		t.Fatalf("stock decremented more than once: %d != %d", got, before-2)
	}
}

func TestConcurrentCommitsNeverOversell(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU: "SKU-LIMITED-01", Name: "Limited Item", Category: "snack",
		CostPrice: dec("5"), SellingPrice: dec("10"), InitialStock: 5,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.CommitSale(ctx, domain.SaleRequest{
				IdempotencyKey: fmt.Sprintf("idem-race-%d", i),
				Items: []domain.CartItem{
					{SKU: "SKU-LIMITED-01", Quantity: 1, UnitPrice: dec("10"), DiscountType: domain.DiscountNone},
				},
				TaxRatePercent: decimal.Zero,
				Subtotal:       dec("10"),
				DiscountAmount: decimal.Zero,
				TaxAmount:      decimal.Zero,
				GrandTotal:     dec("10"),
				PaymentMethod:  "cash",
				Cashier:        "asha",
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrInsufficientStock) {
				t.Errorf("unexpected commit error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 5 {
		t.Fatalf("expected exactly 5 successful commits, got %d", succeeded)
	}
	if got := productQty(t, repo, "SKU-LIMITED-01"); got != 0 {
		t.Fatalf("final quantity %d, want 0", got)
	}
}

func TestVoidSaleRestoresStockExactlyOnce(t *testing.T) {
	svc, repo := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{Name: "manager-ravi"})
	before := productQty(t, repo, "SKU-MILK-1L")

	committed, err := svc.CommitSale(ctx, milkCart(2))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	receiptNumber := committed.Sale.ReceiptNumber

	voided, err := svc.VoidSale(ctx, domain.VoidSaleRequest{ReceiptNumber: receiptNumber, Reason: "customer returned"})
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.AlreadyVoided {
		t.Fatalf("first void reported already-voided")
	}
	if voided.Sale.Status != domain.SaleStatusVoided {
		t.Fatalf("status %s, want Voided", voided.Sale.Status)
	}
	if voided.Sale.VoidedBy != "manager-ravi" || voided.Sale.VoidReason != "customer returned" {
		t.Fatalf("void attribution missing: %+v", voided.Sale)
	}
	if voided.Sale.VoidedAt == nil {
		t.Fatalf("voided_at not set")
	}
	if got := productQty(t, repo, "SKU-MILK-1L"); got != before {
		t.Fatalf("stock not restored: %d != %d", got, before)
	}

	// Re-void: safe no-op reporting the voided sale; ledger unchanged.
	again, err := svc.VoidSale(ctx, domain.VoidSaleRequest{ReceiptNumber: receiptNumber, Reason: "duplicate click"})
	if err != nil {
		t.Fatalf("re-void: %v", err)
	}
	if !again.AlreadyVoided {
		t.Fatalf("re-void should report already-voided")
	}
	if again.Sale.VoidReason != "customer returned" {
		t.Fatalf("re-void overwrote the original reason: %s", again.Sale.VoidReason)
	}
	if got := productQty(t, repo, "SKU-MILK-1L"); got != before {
		t.Fatalf("re-void changed stock: %d != %d", got, before)
	}
}

func TestVoidSaleUnknownReceipt(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.VoidSale(context.Background(), domain.VoidSaleRequest{ReceiptNumber: "INV-20250101-FFFFFF", Reason: "typo"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSyncBatchProcessesEntriesIndependently(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	available := productQty(t, repo, "SKU-MILK-1L")

	good := milkCart(2)
	good.IdempotencyKey = "idem-batch-good"
	overdraw := milkCart(available + 10)
	overdraw.IdempotencyKey = "idem-batch-overdraw"
	alsoGood := milkCart(1)
	alsoGood.IdempotencyKey = "idem-batch-later"

	resp, err := svc.SyncBatch(ctx, domain.BatchSyncRequest{
		Sales: []domain.BatchSaleEntry{
			{LocalID: 1, Sale: good},
			{LocalID: 2, Sale: overdraw},
			{LocalID: 3, Sale: alsoGood},
		},
	})
	if err != nil {
		t.Fatalf("sync batch: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(resp.Results))
	}

	// Same order as input; a failing middle entry does not stop the
	// later one from committing.
	if resp.Results[0].LocalID != 1 || resp.Results[0].Status != domain.BatchResultOK {
		t.Fatalf("entry 1: %+v", resp.Results[0])
	}
	if resp.Results[1].LocalID != 2 || resp.Results[1].Status != domain.BatchResultError {
		t.Fatalf("entry 2: %+v", resp.Results[1])
	}
	if !strings.Contains(resp.Results[1].Error, "insufficient stock") {
		t.Fatalf("entry 2 error should mention insufficient stock: %s", resp.Results[1].Error)
	}
	if resp.Results[2].LocalID != 3 || resp.Results[2].Status != domain.BatchResultOK {
		t.Fatalf("entry 3: %+v", resp.Results[2])
	}

	if got := productQty(t, repo, "SKU-MILK-1L"); got != available-3 {
		t.Fatalf("stock after batch: %d, want %d", got, available-3)
	}
}

func TestSyncBatchReplayReportsDuplicates(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	before := productQty(t, repo, "SKU-MILK-1L")

	req := milkCart(2)
	req.IdempotencyKey = "idem-batch-replay"
	batch := domain.BatchSyncRequest{Sales: []domain.BatchSaleEntry{{LocalID: 7, Sale: req}}}

	first, err := svc.SyncBatch(ctx, batch)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	second, err := svc.SyncBatch(ctx, batch)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if first.Results[0].Duplicate {
		t.Fatalf("first sync flagged duplicate")
	}
	if second.Results[0].Status != domain.BatchResultOK || !second.Results[0].Duplicate {
		t.Fatalf("replay should be ok+duplicate: %+v", second.Results[0])
	}
	if got := productQty(t, repo, "SKU-MILK-1L"); got != before-2 {
		t.Fatalf("replay double-decremented: %d != %d", got, before-2)
	}
}

func TestAdjustStockRecordsHistoryAndRejectsOverdraw(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	before := productQty(t, repo, "SKU-TEA-250G")

	if _, err := svc.AdjustStock(ctx, "SKU-TEA-250G", domain.StockAdjustRequest{
		Action: domain.StockActionPurchase, QtyChange: 12, Description: "supplier delivery",
	}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got := productQty(t, repo, "SKU-TEA-250G"); got != before+12 {
		t.Fatalf("stock %d, want %d", got, before+12)
	}

	history, err := repo.ListStockHistory(ctx, "SKU-TEA-250G", 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history[0].Action != domain.StockActionPurchase || history[0].QtyChange != 12 {
		t.Fatalf("unexpected history record: %+v", history[0])
	}

	_, err = svc.AdjustStock(ctx, "SKU-TEA-250G", domain.StockAdjustRequest{
		Action: domain.StockActionManualAdjust, QtyChange: -(before + 100), Description: "bad count",
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// Sale/Void actions are reserved for commits and voids.
	_, err = svc.AdjustStock(ctx, "SKU-TEA-250G", domain.StockAdjustRequest{
		Action: domain.StockActionSale, QtyChange: -1,
	})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for Sale action, got %v", err)
	}
}

func TestAdjustStockPurchaseRejectsNegativeChange(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	before := productQty(t, repo, "SKU-TEA-250G")

	_, err := svc.AdjustStock(ctx, "SKU-TEA-250G", domain.StockAdjustRequest{
		Action: domain.StockActionPurchase, QtyChange: -5, Description: "typo",
	})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for negative purchase, got %v", err)
	}
	if got := productQty(t, repo, "SKU-TEA-250G"); got != before {
		t.Fatalf("stock mutated to %d, want %d", got, before)
	}
}

func TestCommitSaleAutoCreatesCustomer(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	req := milkCart(1)
	req.IdempotencyKey = "idem-customer"
	req.CustomerName = "Meera"
	req.CustomerPhone = "9876543210"

	if _, err := svc.CommitSale(ctx, req); err != nil {
		t.Fatalf("commit: %v", err)
	}

	customer, err := repo.UpsertCustomerByPhone(ctx, domain.Customer{Phone: "9876543210"})
	if err != nil {
		t.Fatalf("lookup customer: %v", err)
	}
	if customer.Name != "Meera" {
		t.Fatalf("customer name %q, want Meera", customer.Name)
	}
}

func TestHoldSaleLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	req := milkCart(1)
	held, err := svc.HoldSale(ctx, domain.HoldSaleRequest{Note: "customer fetching wallet", Request: req})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if held.HoldID == "" {
		t.Fatalf("expected hold id")
	}

	holds, err := svc.ListHeldSales(ctx)
	if err != nil {
		t.Fatalf("list holds: %v", err)
	}
	if len(holds) != 1 || holds[0].HoldID != held.HoldID {
		t.Fatalf("unexpected holds: %+v", holds)
	}

	if err := svc.DiscardHeldSale(ctx, held.HoldID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := svc.DiscardHeldSale(ctx, held.HoldID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second discard, got %v", err)
	}
}
