package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/store"
)

// Store is the in-memory repository used by tests and by dev mode when
// DATABASE_URL is unset. One mutex guards every check-then-act pair, so
// it upholds the same sufficiency semantics as the postgres store.
type Store struct {
	mu             sync.RWMutex
	products       map[string]domain.Product
	salesByReceipt map[string]*domain.Sale
	salesByIdem    map[string]*domain.Sale
	stockHistory   []domain.StockHistoryRecord
	nextHistoryID  int64
	customers      map[string]domain.Customer
	heldByID       map[string]domain.HeldSale
}

func New() *Store {
	return &Store{
		products:       make(map[string]domain.Product),
		salesByReceipt: make(map[string]*domain.Sale),
		salesByIdem:    make(map[string]*domain.Sale),
		stockHistory:   make([]domain.StockHistoryRecord, 0, 128),
		customers:      make(map[string]domain.Customer),
		heldByID:       make(map[string]domain.HeldSale),
	}
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	seed := []domain.Product{
		{SKU: "SKU-RICE-5KG", Name: "Rice 5kg", Category: "grocery", CostPrice: dec("280"), SellingPrice: dec("340"), Quantity: 60, ReorderLevel: 10},
		{SKU: "SKU-ATTA-5KG", Name: "Wheat Flour 5kg", Category: "grocery", CostPrice: dec("195"), SellingPrice: dec("240"), Quantity: 45, ReorderLevel: 8},
		{SKU: "SKU-MILK-1L", Name: "Milk 1L", Category: "dairy", CostPrice: dec("48"), SellingPrice: dec("62"), Quantity: 80, ReorderLevel: 15},
		{SKU: "SKU-TEA-250G", Name: "Tea Leaves 250g", Category: "beverage", CostPrice: dec("95"), SellingPrice: dec("130"), Quantity: 35, ReorderLevel: 6},
		{SKU: "SKU-SUGAR-1KG", Name: "Sugar 1kg", Category: "grocery", CostPrice: dec("38"), SellingPrice: dec("46"), Quantity: 70, ReorderLevel: 12},
		{SKU: "SKU-OIL-1L", Name: "Sunflower Oil 1L", Category: "grocery", CostPrice: dec("118"), SellingPrice: dec("145"), Quantity: 40, ReorderLevel: 8},
		{SKU: "SKU-SOAP-01", Name: "Bath Soap", Category: "household", CostPrice: dec("22"), SellingPrice: dec("32"), Quantity: 100, ReorderLevel: 20},
		{SKU: "SKU-BISC-01", Name: "Biscuits", Category: "snack", CostPrice: dec("18"), SellingPrice: dec("25"), Quantity: 120, ReorderLevel: 25},
		{SKU: "SKU-SALT-1KG", Name: "Iodised Salt 1kg", Category: "grocery", CostPrice: dec("14"), SellingPrice: dec("20"), Quantity: 55, ReorderLevel: 10},
		{SKU: "SKU-CANDY-01", Name: "Candy Bar", Category: "snack", CostPrice: dec("0.60"), SellingPrice: dec("0.99"), Quantity: 200, ReorderLevel: 40},
	}

	for _, p := range seed {
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.SKU] = p
		s.appendHistoryLocked(p.SKU, domain.StockActionInitialStock, p.Quantity, "seed stock", now)
	}
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.SKU, b.SKU)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProductsBySKUs(_ context.Context, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, ok := s.products[sku]; ok {
			out[sku] = p
		}
	}
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.SKU]; exists {
		return nil, store.ErrDuplicateProduct
	}

	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.products[product.SKU] = product

	if product.Quantity > 0 {
		s.appendHistoryLocked(product.SKU, domain.StockActionInitialStock, product.Quantity, "initial stock", now)
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.SKU]
	if !ok {
		return nil, store.ErrNotFound
	}

	// Quantity is ledger-owned; updates never touch it.
	product.Quantity = existing.Quantity
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.SKU] = product

	updated := product
	return &updated, nil
}

func (s *Store) AdjustStock(_ context.Context, sku string, qtyChange int, action domain.StockAction, description string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[sku]
	if !ok {
		return nil, store.ErrNotFound
	}

	newQty := p.Quantity + qtyChange
	if newQty < 0 {
		return nil, fmt.Errorf("%w: sku %s available=%d change=%d", store.ErrInsufficientStock, sku, p.Quantity, qtyChange)
	}

	now := time.Now().UTC()
	p.Quantity = newQty
	p.UpdatedAt = now
	s.products[sku] = p
	s.appendHistoryLocked(sku, action, qtyChange, description, now)

	adjusted := p
	return &adjusted, nil
}

func (s *Store) ListStockHistory(_ context.Context, sku string, limit int) ([]domain.StockHistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.StockHistoryRecord, 0, limit)
	for i := len(s.stockHistory) - 1; i >= 0; i-- {
		if s.stockHistory[i].SKU != sku {
			continue
		}
		records = append(records, s.stockHistory[i])
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey == "" || sale.ReceiptNumber == "" {
		return nil, store.ErrInvalidSale
	}
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidSale
	}

	if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
		return cloneSale(existing), nil
	}
	if _, ok := s.salesByReceipt[sale.ReceiptNumber]; ok {
		return nil, fmt.Errorf("%w: receipt %s already exists", store.ErrInvalidSale, sale.ReceiptNumber)
	}

	// Check every line before mutating anything: a failure on the last
	// line must leave the first line's stock untouched. Quantities are
	// summed per SKU so repeated lines cannot slip past the check.
	required := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidSale
		}
		if _, ok := s.products[item.SKU]; !ok {
			return nil, fmt.Errorf("%w: sku %s unavailable", store.ErrInvalidSale, item.SKU)
		}
		required[item.SKU] += item.Quantity
	}
	for _, item := range sale.Items {
		p := s.products[item.SKU]
		if need := required[item.SKU]; p.Quantity < need {
			return nil, fmt.Errorf("%w: sku %s available=%d requested=%d", store.ErrInsufficientStock, item.SKU, p.Quantity, need)
		}
	}

	now := time.Now().UTC()
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusComplete
	}

	for _, item := range sale.Items {
		p := s.products[item.SKU]
		p.Quantity -= item.Quantity
		p.UpdatedAt = now
		s.products[item.SKU] = p
		s.appendHistoryLocked(item.SKU, domain.StockActionSale, -item.Quantity, fmt.Sprintf("sale %s", sale.ReceiptNumber), now)
	}

	saved := cloneSale(&sale)
	s.salesByReceipt[sale.ReceiptNumber] = saved
	s.salesByIdem[sale.IdempotencyKey] = saved

	return cloneSale(saved), nil
}

func (s *Store) FindSaleByReceipt(_ context.Context, receiptNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByReceipt[receiptNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByReceipt))
	for _, sale := range s.salesByReceipt {
		if filter.From != nil && sale.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && sale.CreatedAt.After(*filter.To) {
			continue
		}
		if filter.PaymentMethod != "" && !strings.EqualFold(sale.PaymentMethod, filter.PaymentMethod) {
			continue
		}
		if filter.Cashier != "" && !strings.Contains(strings.ToLower(sale.Cashier), strings.ToLower(filter.Cashier)) {
			continue
		}
		sales = append(sales, *cloneSale(sale))
	}

	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if filter.Limit > 0 && len(sales) > filter.Limit {
		sales = sales[:filter.Limit]
	}
	return sales, nil
}

func (s *Store) VoidSale(_ context.Context, receiptNumber string, reason string, voidedBy string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByReceipt[receiptNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status == domain.SaleStatusVoided {
		return nil, store.ErrAlreadyVoided
	}

	for _, item := range sale.Items {
		p, ok := s.products[item.SKU]
		if !ok {
			continue
		}
		p.Quantity += item.Quantity
		p.UpdatedAt = at
		s.products[item.SKU] = p
		s.appendHistoryLocked(item.SKU, domain.StockActionVoidRefund, item.Quantity, fmt.Sprintf("void of sale %s", receiptNumber), at)
	}

	sale.Status = domain.SaleStatusVoided
	voidedAt := at
	sale.VoidedAt = &voidedAt
	sale.VoidedBy = voidedBy
	sale.VoidReason = reason

	return cloneSale(sale), nil
}

func (s *Store) UpsertCustomerByPhone(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.Phone == "" {
		return nil, store.ErrInvalidSale
	}

	now := time.Now().UTC()
	existing, ok := s.customers[customer.Phone]
	if !ok {
		customer.CreatedAt = now
		customer.UpdatedAt = now
		s.customers[customer.Phone] = customer
		created := customer
		return &created, nil
	}

	// Existing customers only gain name/email where previously empty.
	changed := false
	if existing.Name == "" && customer.Name != "" {
		existing.Name = customer.Name
		changed = true
	}
	if existing.Email == "" && customer.Email != "" {
		existing.Email = customer.Email
		changed = true
	}
	if changed {
		existing.UpdatedAt = now
		s.customers[customer.Phone] = existing
	}
	updated := existing
	return &updated, nil
}

func (s *Store) CreateHeldSale(_ context.Context, held domain.HeldSale) (*domain.HeldSale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held.HoldID == "" {
		return nil, store.ErrInvalidSale
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	s.heldByID[held.HoldID] = held

	saved := held
	return &saved, nil
}

func (s *Store) ListHeldSales(_ context.Context, limit int) ([]domain.HeldSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	holds := make([]domain.HeldSale, 0, len(s.heldByID))
	for _, h := range s.heldByID {
		holds = append(holds, h)
	}
	slices.SortFunc(holds, func(a, b domain.HeldSale) int {
		return b.HeldAt.Compare(a.HeldAt)
	})
	if limit > 0 && len(holds) > limit {
		holds = holds[:limit]
	}
	return holds, nil
}

func (s *Store) DeleteHeldSale(_ context.Context, holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.heldByID[holdID]; !ok {
		return store.ErrNotFound
	}
	delete(s.heldByID, holdID)
	return nil
}

func (s *Store) appendHistoryLocked(sku string, action domain.StockAction, qtyChange int, description string, at time.Time) {
	s.nextHistoryID++
	s.stockHistory = append(s.stockHistory, domain.StockHistoryRecord{
		ID:          s.nextHistoryID,
		SKU:         sku,
		Action:      action,
		QtyChange:   qtyChange,
		Description: description,
		CreatedAt:   at,
	})
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	out := *sale
	out.Items = slices.Clone(sale.Items)
	if sale.VoidedAt != nil {
		voidedAt := *sale.VoidedAt
		out.VoidedAt = &voidedAt
	}
	return &out
}
