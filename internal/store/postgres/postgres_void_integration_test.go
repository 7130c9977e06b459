package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"swiftpos/backend/internal/domain"
)

func TestVoidSaleRestocksInventory(t *testing.T) {
	databaseURL := os.Getenv("SWIFTPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set SWIFTPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	sku := fmt.Sprintf("SKU-VOID-IT-%d", stamp)
	receiptNumber := fmt.Sprintf("INV-VOID-IT-%d", stamp)
	idempotencyKey := fmt.Sprintf("idem-void-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE receipt_number = $1`, receiptNumber)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE receipt_number = $1`, receiptNumber)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_history WHERE sku = $1`, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE sku = $1`, sku)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, category, cost_price, selling_price, quantity, reorder_level, created_at, updated_at)
		VALUES ($1, 'Void IT Product', 'snack', 40, 60, 10, 2, now(), now())
	`, sku); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	sale := domain.Sale{
		ReceiptNumber:  receiptNumber,
		IdempotencyKey: idempotencyKey,
		Items: []domain.SaleItem{
			{
				SKU: sku, Name: "Void IT Product", Quantity: 2,
				UnitPrice: decimal.NewFromInt(60), DiscountType: domain.DiscountNone,
				LineTotal: decimal.NewFromInt(120), FinalTotal: decimal.NewFromInt(120),
			},
		},
		Subtotal:      decimal.NewFromInt(120),
		GrandTotal:    decimal.NewFromInt(120),
		PaymentMethod: "cash",
		Cashier:       "integration",
		Status:        domain.SaleStatusComplete,
	}
	if _, err := s.CreateSale(ctx, sale); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	var qty int
	if err := s.db.QueryRowContext(ctx, `SELECT quantity FROM products WHERE sku = $1`, sku).Scan(&qty); err != nil {
		t.Fatalf("query stock after sale: %v", err)
	}
	if qty != 8 {
		t.Fatalf("expected stock 8 after sale, got %d", qty)
	}

	at := time.Now().UTC()
	voided, err := s.VoidSale(ctx, receiptNumber, "integration test void", "manager", at)
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}
	if voided.Status != domain.SaleStatusVoided {
		t.Fatalf("expected status Voided, got %s", voided.Status)
	}
	if voided.VoidedBy != "manager" {
		t.Fatalf("expected voided_by manager, got %s", voided.VoidedBy)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT quantity FROM products WHERE sku = $1`, sku).Scan(&qty); err != nil {
		t.Fatalf("query stock after void: %v", err)
	}
	if qty != 10 {
		t.Fatalf("expected stock 10 after void restock, got %d", qty)
	}

	// The ledger carries one Sale and one Void Refund row.
	var saleRows, voidRows int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stock_history WHERE sku = $1 AND action = 'Sale'`, sku).Scan(&saleRows); err != nil {
		t.Fatalf("count sale rows: %v", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stock_history WHERE sku = $1 AND action = 'Void Refund'`, sku).Scan(&voidRows); err != nil {
		t.Fatalf("count void rows: %v", err)
	}
	if saleRows != 1 || voidRows != 1 {
		t.Fatalf("expected 1 Sale and 1 Void Refund history row, got %d and %d", saleRows, voidRows)
	}
}
