package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"swiftpos/backend/internal/cache"
	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/pricing"
	"swiftpos/backend/internal/receipt"
	"swiftpos/backend/internal/reorder"
	"swiftpos/backend/internal/store"
)

const inventoryCacheKey = "inventory:products"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// TotalMismatchError reports client-submitted totals diverging from the
// server-recomputed ones beyond the rounding tolerance. It is always
// surfaced, never silently corrected.
type TotalMismatchError struct {
	Details []string
}

func (e *TotalMismatchError) Error() string {
	return "submitted totals diverge from server-computed totals: " + strings.Join(e.Details, "; ")
}

type Service struct {
	repo         store.Repository
	inventory    cache.InventoryCache
	inventoryTTL time.Duration
	reorder      *reorder.Engine
}

func New(repo store.Repository, inventory cache.InventoryCache, inventoryTTL time.Duration) *Service {
	if inventory == nil {
		inventory = cache.NoopInventoryCache{}
	}
	if inventoryTTL <= 0 {
		inventoryTTL = 20 * time.Second
	}

	return &Service{
		repo:         repo,
		inventory:    inventory,
		inventoryTTL: inventoryTTL,
		reorder:      reorder.NewEngine(),
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if products, ok, err := s.inventory.Get(ctx, inventoryCacheKey); err == nil && ok {
		return products, nil
	} else if err != nil {
		log.Printf("[service] WARN: inventory cache read failed: %v", err)
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.inventory.Set(ctx, inventoryCacheKey, products, s.inventoryTTL); err != nil {
		log.Printf("[service] WARN: inventory cache write failed: %v", err)
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, sku string) (domain.Product, error) {
	sku = normalizeSKU(sku)
	if sku == "" {
		return domain.Product{}, store.ErrInvalidSale
	}

	product, err := s.repo.GetProductBySKU(ctx, sku)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.SKU = normalizeSKU(req.SKU)
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.SKU == "" || req.Name == "" {
		return domain.Product{}, store.ErrInvalidSale
	}
	if req.SellingPrice.IsNegative() || req.CostPrice.IsNegative() {
		return domain.Product{}, store.ErrInvalidSale
	}
	if req.InitialStock < 0 || req.ReorderLevel < 0 {
		return domain.Product{}, store.ErrInvalidSale
	}

	product := domain.Product{
		SKU:          req.SKU,
		Name:         req.Name,
		Category:     req.Category,
		CostPrice:    req.CostPrice,
		SellingPrice: req.SellingPrice,
		Quantity:     req.InitialStock,
		ReorderLevel: req.ReorderLevel,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateInventory(ctx)
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, sku string, req domain.ProductUpdateRequest) (domain.Product, error) {
	sku = normalizeSKU(sku)
	if sku == "" {
		return domain.Product{}, store.ErrInvalidSale
	}

	existing, err := s.repo.GetProductBySKU(ctx, sku)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.Name = name
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.CostPrice != nil {
		if req.CostPrice.IsNegative() {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.CostPrice = *req.CostPrice
	}
	if req.SellingPrice != nil {
		if req.SellingPrice.IsNegative() {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.SellingPrice = *req.SellingPrice
	}
	if req.ReorderLevel != nil {
		if *req.ReorderLevel < 0 {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.ReorderLevel = *req.ReorderLevel
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateInventory(ctx)
	return *saved, nil
}

// AdjustStock applies a manual ledger mutation: stock receiving
// (Purchase) or a correction (Manual Adjustment). Sale and Void Refund
// mutations only ever happen through CommitSale and VoidSale.
func (s *Service) AdjustStock(ctx context.Context, sku string, req domain.StockAdjustRequest) (domain.Product, error) {
	sku = normalizeSKU(sku)
	if sku == "" || req.QtyChange == 0 {
		return domain.Product{}, store.ErrInvalidSale
	}
	switch req.Action {
	case domain.StockActionPurchase:
		// Stock receiving only ever adds; corrections go through the
		// Manual Adjustment action.
		if req.QtyChange < 0 {
			return domain.Product{}, fmt.Errorf("%w: action %q requires a positive qty_change", store.ErrInvalidSale, req.Action)
		}
	case domain.StockActionManualAdjust:
	default:
		return domain.Product{}, fmt.Errorf("%w: action %q not allowed for manual adjustment", store.ErrInvalidSale, req.Action)
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "manual stock adjustment"
	}

	adjusted, err := s.repo.AdjustStock(ctx, sku, req.QtyChange, req.Action, description)
	if err != nil {
		return domain.Product{}, err
	}

	actor := actorName(ctx)
	log.Printf("[service] stock adjusted sku=%s change=%+d action=%s by=%s", sku, req.QtyChange, req.Action, actor)

	s.invalidateInventory(ctx)
	return *adjusted, nil
}

func (s *Service) StockHistory(ctx context.Context, sku string, limit int) ([]domain.StockHistoryRecord, error) {
	sku = normalizeSKU(sku)
	if sku == "" {
		return nil, store.ErrInvalidSale
	}
	if limit < 1 {
		limit = 100
	}

	if _, err := s.repo.GetProductBySKU(ctx, sku); err != nil {
		return nil, err
	}
	return s.repo.ListStockHistory(ctx, sku, limit)
}

// ReorderSuggestions ranks products needing restock from current
// quantities and the past week's sales.
func (s *Service) ReorderSuggestions(ctx context.Context) ([]reorder.Suggestion, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	from := time.Now().UTC().Add(-s.reorder.Window())
	sales, err := s.repo.ListSales(ctx, domain.SaleFilter{From: &from, Limit: 500})
	if err != nil {
		return nil, err
	}
	return s.reorder.Suggest(products, sales), nil
}

// CommitSale validates and prices the incoming cart against the
// server's own product table, compares the result with the
// client-computed totals, and persists the sale with its stock
// decrements in one transaction. Client totals are never trusted;
// divergence beyond one cent is rejected before any stock moves.
func (s *Service) CommitSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	items, err := normalizeItems(req.Items)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if len(items) == 0 {
		return domain.SaleResponse{}, fmt.Errorf("%w: empty cart", store.ErrInvalidSale)
	}

	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = "cash"
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.SaleResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidSale, req.PaymentMethod)
	}

	req.Cashier = strings.TrimSpace(req.Cashier)
	if req.Cashier == "" {
		req.Cashier = actorName(ctx)
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = receipt.Token("idem")
	}

	if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return domain.SaleResponse{Sale: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SaleResponse{}, err
	}

	skus := make([]string, 0, len(items))
	for _, item := range items {
		skus = append(skus, item.SKU)
	}
	products, err := s.repo.GetProductsBySKUs(ctx, skus)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	// Re-price every line from the authoritative product table. A
	// stale client price snapshot shows up as a total mismatch below.
	priced := make([]domain.CartItem, len(items))
	for i, item := range items {
		product, ok := products[item.SKU]
		if !ok {
			return domain.SaleResponse{}, fmt.Errorf("%w: sku %s unavailable", store.ErrInvalidSale, item.SKU)
		}
		item.UnitPrice = product.SellingPrice
		item.Name = product.Name
		priced[i] = item
	}

	totals, err := pricing.Compute(priced, req.TaxRatePercent)
	if err != nil {
		return domain.SaleResponse{}, fmt.Errorf("%w: %v", store.ErrInvalidSale, err)
	}
	rounded := totals.Rounded()

	if details := compareTotals(req, rounded); len(details) > 0 {
		return domain.SaleResponse{}, &TotalMismatchError{Details: details}
	}

	now := time.Now().UTC()
	saleItems := make([]domain.SaleItem, 0, len(priced))
	for _, item := range priced {
		line, err := pricing.Line(item)
		if err != nil {
			return domain.SaleResponse{}, fmt.Errorf("%w: %v", store.ErrInvalidSale, err)
		}
		saleItems = append(saleItems, domain.SaleItem{
			SKU:            item.SKU,
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			DiscountType:   discountTypeOrNone(item.DiscountType),
			DiscountValue:  item.DiscountValue,
			DiscountAmount: line.Discount.Round(2),
			LineTotal:      line.LineTotal.Round(2),
			FinalTotal:     line.FinalTotal.Round(2),
		})
	}

	sale := domain.Sale{
		ReceiptNumber:  receipt.Number(now),
		IdempotencyKey: req.IdempotencyKey,
		Items:          saleItems,
		Subtotal:       rounded.Subtotal,
		DiscountAmount: rounded.Discount,
		TaxRatePercent: req.TaxRatePercent,
		TaxAmount:      rounded.Tax,
		GrandTotal:     rounded.GrandTotal,
		PaymentMethod:  req.PaymentMethod,
		Cashier:        req.Cashier,
		CustomerName:   strings.TrimSpace(req.CustomerName),
		CustomerPhone:  strings.TrimSpace(req.CustomerPhone),
		CustomerEmail:  strings.TrimSpace(req.CustomerEmail),
		Status:         domain.SaleStatusComplete,
		CreatedAt:      now,
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	// The store resolves idempotency races by returning the earlier
	// sale; a different receipt number means this call did not commit.
	duplicate := created.ReceiptNumber != sale.ReceiptNumber

	if !duplicate {
		if created.CustomerPhone != "" {
			if _, err := s.repo.UpsertCustomerByPhone(ctx, domain.Customer{
				Phone: created.CustomerPhone,
				Name:  created.CustomerName,
				Email: created.CustomerEmail,
			}); err != nil {
				log.Printf("[service] WARN: customer upsert failed phone=%s: %v", created.CustomerPhone, err)
			}
		}
		log.Printf("[service] sale committed receipt=%s total=%s items=%d cashier=%s",
			created.ReceiptNumber, created.GrandTotal, len(created.Items), created.Cashier)
		s.invalidateInventory(ctx)
	}

	return domain.SaleResponse{Sale: *created, Duplicate: duplicate}, nil
}

// VoidSale reverses a committed sale exactly once. Repeat void calls
// are safe no-ops that report the existing voided sale rather than
// errors, so a retried request cannot corrupt the ledger.
func (s *Service) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.VoidSaleResponse, error) {
	receiptNumber := strings.TrimSpace(req.ReceiptNumber)
	if receiptNumber == "" {
		return domain.VoidSaleResponse{}, store.ErrInvalidSale
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "unspecified"
	}

	voidedAt := time.Now().UTC()
	voidedBy := actorName(ctx)

	voided, err := s.repo.VoidSale(ctx, receiptNumber, reason, voidedBy, voidedAt)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyVoided) {
			existing, lookupErr := s.repo.FindSaleByReceipt(ctx, receiptNumber)
			if lookupErr != nil {
				return domain.VoidSaleResponse{}, lookupErr
			}
			return domain.VoidSaleResponse{Sale: *existing, AlreadyVoided: true}, nil
		}
		return domain.VoidSaleResponse{}, err
	}

	log.Printf("[service] sale voided receipt=%s reason=%q by=%s", receiptNumber, reason, voidedBy)
	s.invalidateInventory(ctx)

	return domain.VoidSaleResponse{Sale: *voided}, nil
}

func (s *Service) GetSale(ctx context.Context, receiptNumber string) (domain.Sale, error) {
	receiptNumber = strings.TrimSpace(receiptNumber)
	if receiptNumber == "" {
		return domain.Sale{}, store.ErrInvalidSale
	}

	sale, err := s.repo.FindSaleByReceipt(ctx, receiptNumber)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, filter)
}

// SyncBatch replays queued offline sales through CommitSale, one
// independent transaction per entry. A failing entry never aborts the
// batch, and an entry already committed under its idempotency key
// reports ok so the client can clear it after a dropped response.
func (s *Service) SyncBatch(ctx context.Context, req domain.BatchSyncRequest) (domain.BatchSyncResponse, error) {
	resp := domain.BatchSyncResponse{
		Results: make([]domain.BatchSyncResult, 0, len(req.Sales)),
	}

	for _, entry := range req.Sales {
		result := domain.BatchSyncResult{LocalID: entry.LocalID}

		saleResp, err := s.CommitSale(ctx, entry.Sale)
		if err != nil {
			result.Status = domain.BatchResultError
			result.Error = err.Error()
			resp.Results = append(resp.Results, result)
			continue
		}

		result.Status = domain.BatchResultOK
		result.Duplicate = saleResp.Duplicate
		sale := saleResp.Sale
		result.Sale = &sale
		resp.Results = append(resp.Results, result)
	}

	return resp, nil
}

func (s *Service) HoldSale(ctx context.Context, req domain.HoldSaleRequest) (domain.HeldSale, error) {
	items, err := normalizeItems(req.Request.Items)
	if err != nil {
		return domain.HeldSale{}, err
	}
	if len(items) == 0 {
		return domain.HeldSale{}, fmt.Errorf("%w: empty cart", store.ErrInvalidSale)
	}
	req.Request.Items = items

	held := domain.HeldSale{
		HoldID:  receipt.Token("hold"),
		Note:    strings.TrimSpace(req.Note),
		Request: req.Request,
		HeldAt:  time.Now().UTC(),
	}

	saved, err := s.repo.CreateHeldSale(ctx, held)
	if err != nil {
		return domain.HeldSale{}, err
	}
	return *saved, nil
}

func (s *Service) ListHeldSales(ctx context.Context) ([]domain.HeldSale, error) {
	return s.repo.ListHeldSales(ctx, 200)
}

func (s *Service) DiscardHeldSale(ctx context.Context, holdID string) error {
	holdID = strings.TrimSpace(holdID)
	if holdID == "" {
		return store.ErrInvalidSale
	}
	return s.repo.DeleteHeldSale(ctx, holdID)
}

func (s *Service) invalidateInventory(ctx context.Context) {
	if err := s.inventory.Invalidate(ctx, inventoryCacheKey); err != nil {
		log.Printf("[service] WARN: inventory cache invalidation failed: %v", err)
	}
}

func compareTotals(req domain.SaleRequest, computed pricing.Totals) []string {
	details := make([]string, 0, 4)
	check := func(field string, submitted decimal.Decimal, expected decimal.Decimal) {
		if !pricing.WithinTolerance(submitted, expected) {
			details = append(details, fmt.Sprintf("%s: submitted %s, computed %s", field, submitted, expected))
		}
	}

	check("subtotal", req.Subtotal, computed.Subtotal)
	check("discount_amount", req.DiscountAmount, computed.Discount)
	check("tax_amount", req.TaxAmount, computed.Tax)
	check("grand_total", req.GrandTotal, computed.GrandTotal)
	return details
}

func normalizeItems(items []domain.CartItem) ([]domain.CartItem, error) {
	normalized := make([]domain.CartItem, 0, len(items))
	for _, item := range items {
		item.SKU = normalizeSKU(item.SKU)
		if item.SKU == "" {
			continue
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: sku %s quantity must be at least 1", store.ErrInvalidSale, item.SKU)
		}
		if item.DiscountType == "" {
			item.DiscountType = domain.DiscountNone
		}
		if !item.DiscountType.Valid() {
			return nil, fmt.Errorf("%w: sku %s unknown discount type %q", store.ErrInvalidSale, item.SKU, item.DiscountType)
		}
		normalized = append(normalized, item)
	}
	return normalized, nil
}

func normalizeSKU(sku string) string {
	return strings.ToUpper(strings.TrimSpace(sku))
}

func discountTypeOrNone(dt domain.DiscountType) domain.DiscountType {
	if dt == "" {
		return domain.DiscountNone
	}
	return dt
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "upi":
		return true
	}
	return false
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && strings.TrimSpace(actor.Name) != "" {
		return actor.Name
	}
	return "system"
}
