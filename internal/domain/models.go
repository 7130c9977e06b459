package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sale lifecycle. A sale is immutable once Complete; the only legal
// transition is Complete -> Voided, exactly once.
const (
	SaleStatusComplete = "Complete"
	SaleStatusVoided   = "Voided"
)

// DiscountType tags the per-item discount variant.
type DiscountType string

const (
	DiscountNone    DiscountType = "none"
	DiscountPercent DiscountType = "percent"
	DiscountFlat    DiscountType = "flat"
)

func (d DiscountType) Valid() bool {
	switch d {
	case DiscountNone, DiscountPercent, DiscountFlat:
		return true
	}
	return false
}

// StockAction attributes a ledger mutation to its cause.
type StockAction string

const (
	StockActionSale         StockAction = "Sale"
	StockActionVoidRefund   StockAction = "Void Refund"
	StockActionPurchase     StockAction = "Purchase"
	StockActionManualAdjust StockAction = "Manual Adjustment"
	StockActionInitialStock StockAction = "Initial Stock"
)

func (a StockAction) Valid() bool {
	switch a {
	case StockActionSale, StockActionVoidRefund, StockActionPurchase, StockActionManualAdjust, StockActionInitialStock:
		return true
	}
	return false
}

type Actor struct {
	Name string `json:"name"`
}

type Product struct {
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Quantity     int             `json:"quantity"`
	ReorderLevel int             `json:"reorder_level"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	InitialStock int             `json:"initial_stock"`
	ReorderLevel int             `json:"reorder_level"`
}

type ProductUpdateRequest struct {
	Name         *string          `json:"name,omitempty"`
	Category     *string          `json:"category,omitempty"`
	CostPrice    *decimal.Decimal `json:"cost_price,omitempty"`
	SellingPrice *decimal.Decimal `json:"selling_price,omitempty"`
	ReorderLevel *int             `json:"reorder_level,omitempty"`
}

// CartItem is the client-side, ephemeral line. UnitPrice is the price
// snapshot taken when the item entered the cart; the server re-prices
// from its own product table at commit time.
type CartItem struct {
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	DiscountType  DiscountType    `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
}

// SaleItem is the immutable per-line copy persisted with a sale.
type SaleItem struct {
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	DiscountType   DiscountType    `json:"discount_type"`
	DiscountValue  decimal.Decimal `json:"discount_value"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	LineTotal      decimal.Decimal `json:"line_total"`
	FinalTotal     decimal.Decimal `json:"final_total"`
}

type Sale struct {
	ReceiptNumber  string          `json:"receipt_number"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Items          []SaleItem      `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	GrandTotal     decimal.Decimal `json:"grand_total"`
	PaymentMethod  string          `json:"payment_method"`
	Cashier        string          `json:"cashier"`
	CustomerName   string          `json:"customer_name,omitempty"`
	CustomerPhone  string          `json:"customer_phone,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	VoidedAt       *time.Time      `json:"voided_at,omitempty"`
	VoidedBy       string          `json:"voided_by,omitempty"`
	VoidReason     string          `json:"void_reason,omitempty"`
}

type Customer struct {
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StockHistoryRecord is one append-only audit row per ledger mutation.
type StockHistoryRecord struct {
	ID          int64       `json:"id"`
	SKU         string      `json:"sku"`
	Action      StockAction `json:"action"`
	QtyChange   int         `json:"qty_change"`
	Description string      `json:"description"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SaleRequest is the commit request as posted by the client: the cart
// plus the client-computed totals, which the server recomputes and
// compares before touching stock.
type SaleRequest struct {
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Items          []CartItem      `json:"items"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	GrandTotal     decimal.Decimal `json:"grand_total"`
	PaymentMethod  string          `json:"payment_method"`
	Cashier        string          `json:"cashier"`
	CustomerName   string          `json:"customer_name,omitempty"`
	CustomerPhone  string          `json:"customer_phone,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
}

type SaleResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type SaleFilter struct {
	From          *time.Time
	To            *time.Time
	PaymentMethod string
	Cashier       string
	Limit         int
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

type VoidSaleRequest struct {
	ReceiptNumber string `json:"-"`
	Reason        string `json:"reason"`
}

type VoidSaleResponse struct {
	Sale          Sale `json:"sale"`
	AlreadyVoided bool `json:"already_voided,omitempty"`
}

// BatchSaleEntry is one queued offline sale being replayed. LocalID is
// the client's queue key and is echoed back verbatim so the client can
// clear or flag the right entry.
type BatchSaleEntry struct {
	LocalID int64       `json:"local_id"`
	Sale    SaleRequest `json:"sale"`
}

type BatchSyncRequest struct {
	Sales []BatchSaleEntry `json:"sales"`
}

const (
	BatchResultOK    = "ok"
	BatchResultError = "error"
)

type BatchSyncResult struct {
	LocalID   int64  `json:"local_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Sale      *Sale  `json:"sale,omitempty"`
}

type BatchSyncResponse struct {
	Results []BatchSyncResult `json:"results"`
}

type StockAdjustRequest struct {
	Action      StockAction `json:"action"`
	QtyChange   int         `json:"qty_change"`
	Description string      `json:"description"`
}

type StockHistoryResponse struct {
	History []StockHistoryRecord `json:"history"`
}

// HeldSale is a parked cart: the full commit request saved verbatim so
// the cashier can serve the next customer and resume later. Resuming is
// a client concern; the server only parks, lists and deletes.
type HeldSale struct {
	HoldID  string      `json:"hold_id"`
	Note    string      `json:"note,omitempty"`
	Request SaleRequest `json:"request"`
	HeldAt  time.Time   `json:"held_at"`
}

type HoldSaleRequest struct {
	Note    string      `json:"note,omitempty"`
	Request SaleRequest `json:"request"`
}

type HeldSaleListResponse struct {
	Holds []HeldSale `json:"holds"`
}
