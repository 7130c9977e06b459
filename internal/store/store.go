package store

import (
	"context"
	"errors"
	"time"

	"swiftpos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadyVoided     = errors.New("sale already voided")
	ErrInvalidSale       = errors.New("invalid sale")
	ErrDuplicateProduct  = errors.New("product already exists")
)

// Repository is the persistence boundary. Product quantity is mutated
// only through CreateSale, VoidSale and AdjustStock; each of those
// appends a StockHistoryRecord inside the same transaction.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// AdjustStock applies a signed quantity change attributed to the
	// given action. It fails with ErrInsufficientStock when the change
	// would drive the quantity negative.
	AdjustStock(ctx context.Context, sku string, qtyChange int, action domain.StockAction, description string) (*domain.Product, error)
	ListStockHistory(ctx context.Context, sku string, limit int) ([]domain.StockHistoryRecord, error)

	// CreateSale persists the sale with its per-line stock decrements
	// as one atomic unit: every line re-checks sufficiency under a row
	// lock, and any failure leaves no partial decrement behind. A sale
	// already recorded under the same idempotency key is returned
	// as-is instead of committing again.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	FindSaleByReceipt(ctx context.Context, receiptNumber string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)

	// VoidSale restores every line quantity and flips the sale to
	// Voided in one transaction. Voiding an already-voided sale
	// returns ErrAlreadyVoided without touching the ledger.
	VoidSale(ctx context.Context, receiptNumber string, reason string, voidedBy string, at time.Time) (*domain.Sale, error)

	UpsertCustomerByPhone(ctx context.Context, customer domain.Customer) (*domain.Customer, error)

	CreateHeldSale(ctx context.Context, held domain.HeldSale) (*domain.HeldSale, error)
	ListHeldSales(ctx context.Context, limit int) ([]domain.HeldSale, error)
	DeleteHeldSale(ctx context.Context, holdID string) error
}
