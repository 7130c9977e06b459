package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/store"
)

// Store is the postgres-backed repository. Every quantity mutation runs
// inside a serializable transaction with the affected product rows
// locked FOR UPDATE, so the sufficiency check and the decrement are one
// atomic step even under concurrent commits.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, cost_price, selling_price, quantity, reorder_level, created_at, updated_at
		FROM products
		ORDER BY category, sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.CostPrice, &p.SellingPrice, &p.Quantity, &p.ReorderLevel, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, category, cost_price, selling_price, quantity, reorder_level, created_at, updated_at
		FROM products
		WHERE sku = $1
	`, sku).Scan(&p.SKU, &p.Name, &p.Category, &p.CostPrice, &p.SellingPrice, &p.Quantity, &p.ReorderLevel, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	if len(skus) == 0 {
		return map[string]domain.Product{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, cost_price, selling_price, quantity, reorder_level, created_at, updated_at
		FROM products
		WHERE sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[string]domain.Product, len(skus))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.CostPrice, &p.SellingPrice, &p.Quantity, &p.ReorderLevel, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products[p.SKU] = p
	}
	return products, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO products (sku, name, category, cost_price, selling_price, quantity, reorder_level, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.SKU, product.Name, product.Category, product.CostPrice, product.SellingPrice, product.Quantity, product.ReorderLevel, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateProduct
		}
		return nil, err
	}

	if product.Quantity > 0 {
		if err := insertHistory(ctx, pgTx, product.SKU, domain.StockActionInitialStock, product.Quantity, "initial stock", now); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	// Quantity is deliberately absent from the update: it belongs to
	// the ledger operations alone.
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, cost_price = $4, selling_price = $5, reorder_level = $6, updated_at = now()
		WHERE sku = $1
	`, product.SKU, product.Name, product.Category, product.CostPrice, product.SellingPrice, product.ReorderLevel)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProductBySKU(ctx, product.SKU)
}

func (s *Store) AdjustStock(ctx context.Context, sku string, qtyChange int, action domain.StockAction, description string) (*domain.Product, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current int
	err = pgTx.QueryRowContext(ctx, `
		SELECT quantity FROM products WHERE sku = $1 FOR UPDATE
	`, sku).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if current+qtyChange < 0 {
		return nil, fmt.Errorf("%w: sku %s available=%d change=%d", store.ErrInsufficientStock, sku, current, qtyChange)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE products SET quantity = quantity + $1, updated_at = now() WHERE sku = $2
	`, qtyChange, sku)
	if err != nil {
		return nil, err
	}

	if err := insertHistory(ctx, pgTx, sku, action, qtyChange, description, time.Now().UTC()); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetProductBySKU(ctx, sku)
}

func (s *Store) ListStockHistory(ctx context.Context, sku string, limit int) ([]domain.StockHistoryRecord, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, action, qty_change, description, created_at
		FROM stock_history
		WHERE sku = $1
		ORDER BY id DESC
		LIMIT $2
	`, sku, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.StockHistoryRecord, 0, limit)
	for rows.Next() {
		var rec domain.StockHistoryRecord
		if err := rows.Scan(&rec.ID, &rec.SKU, &rec.Action, &rec.QtyChange, &rec.Description, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.IdempotencyKey == "" || sale.ReceiptNumber == "" {
		return nil, store.ErrInvalidSale
	}
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidSale
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	skus := uniqueSKUs(sale.Items)

	rows, err := pgTx.QueryContext(ctx, `
		SELECT sku, quantity
		FROM products
		WHERE sku = ANY($1)
		FOR UPDATE
	`, skus)
	if err != nil {
		return nil, err
	}
	stock := make(map[string]int, len(skus))
	for rows.Next() {
		var sku string
		var qty int
		if err := rows.Scan(&sku, &qty); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stock[sku] = qty
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Sufficiency re-check at the instant of mutation, under the row
	// locks taken above. Any failing line aborts the whole commit.
	// Quantities are summed per SKU so repeated lines cannot slip past
	// the check.
	required := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidSale
		}
		if _, exists := stock[item.SKU]; !exists {
			return nil, fmt.Errorf("%w: sku %s unavailable", store.ErrInvalidSale, item.SKU)
		}
		required[item.SKU] += item.Quantity
	}
	for _, item := range sale.Items {
		if qty, need := stock[item.SKU], required[item.SKU]; qty < need {
			return nil, fmt.Errorf("%w: sku %s available=%d requested=%d", store.ErrInsufficientStock, item.SKU, qty, need)
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
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products SET quantity = quantity - $1, updated_at = now() WHERE sku = $2
		`, item.Quantity, item.SKU)
		if err != nil {
			return nil, err
		}
		if err := insertHistory(ctx, pgTx, item.SKU, domain.StockActionSale, -item.Quantity, fmt.Sprintf("sale %s", sale.ReceiptNumber), now); err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			receipt_number, idempotency_key, subtotal, discount_amount, tax_rate_percent,
			tax_amount, grand_total, payment_method, cashier,
			customer_name, customer_phone, customer_email, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sale.ReceiptNumber, sale.IdempotencyKey, sale.Subtotal, sale.DiscountAmount, sale.TaxRatePercent,
		sale.TaxAmount, sale.GrandTotal, sale.PaymentMethod, sale.Cashier,
		nullIfEmpty(sale.CustomerName), nullIfEmpty(sale.CustomerPhone), nullIfEmpty(sale.CustomerEmail),
		sale.Status, sale.CreatedAt)
	if err != nil {
		// A concurrent retry with the same idempotency key raced us to
		// the insert; the existing sale is the answer.
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, item := range sale.Items {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (
				receipt_number, sku, name, quantity, unit_price,
				discount_type, discount_value, discount_amount, line_total, final_total
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, sale.ReceiptNumber, item.SKU, item.Name, item.Quantity, item.UnitPrice,
			string(item.DiscountType), item.DiscountValue, item.DiscountAmount, item.LineTotal, item.FinalTotal)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) FindSaleByReceipt(ctx context.Context, receiptNumber string) (*domain.Sale, error) {
	return s.findSale(ctx, "receipt_number", receiptNumber)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	query := fmt.Sprintf(`
		SELECT receipt_number, idempotency_key, subtotal, discount_amount, tax_rate_percent,
			tax_amount, grand_total, payment_method, cashier,
			customer_name, customer_phone, customer_email, status, created_at,
			voided_at, voided_by, void_reason
		FROM sales
		WHERE %s = $1
	`, column)

	sale, err := scanSale(s.db.QueryRowContext(ctx, query, value))
	if err != nil {
		return nil, err
	}

	items, err := s.loadSaleItems(ctx, sale.ReceiptNumber)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	return sale, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var customerName, customerPhone, customerEmail, voidedBy, voidReason sql.NullString
	var voidedAt sql.NullTime

	err := row.Scan(&sale.ReceiptNumber, &sale.IdempotencyKey, &sale.Subtotal, &sale.DiscountAmount,
		&sale.TaxRatePercent, &sale.TaxAmount, &sale.GrandTotal, &sale.PaymentMethod, &sale.Cashier,
		&customerName, &customerPhone, &customerEmail, &sale.Status, &sale.CreatedAt,
		&voidedAt, &voidedBy, &voidReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	sale.CustomerName = customerName.String
	sale.CustomerPhone = customerPhone.String
	sale.CustomerEmail = customerEmail.String
	sale.VoidedBy = voidedBy.String
	sale.VoidReason = voidReason.String
	if voidedAt.Valid {
		at := voidedAt.Time
		sale.VoidedAt = &at
	}
	return &sale, nil
}

func (s *Store) loadSaleItems(ctx context.Context, receiptNumber string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, quantity, unit_price, discount_type, discount_value, discount_amount, line_total, final_total
		FROM sale_items
		WHERE receipt_number = $1
		ORDER BY id
	`, receiptNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		var discountType string
		if err := rows.Scan(&item.SKU, &item.Name, &item.Quantity, &item.UnitPrice, &discountType,
			&item.DiscountValue, &item.DiscountAmount, &item.LineTotal, &item.FinalTotal); err != nil {
			return nil, err
		}
		item.DiscountType = domain.DiscountType(discountType)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 4)

	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if filter.PaymentMethod != "" {
		args = append(args, strings.ToLower(filter.PaymentMethod))
		conditions = append(conditions, fmt.Sprintf("LOWER(payment_method) = $%d", len(args)))
	}
	if filter.Cashier != "" {
		args = append(args, "%"+strings.ToLower(filter.Cashier)+"%")
		conditions = append(conditions, fmt.Sprintf("LOWER(cashier) LIKE $%d", len(args)))
	}

	query := `
		SELECT receipt_number, idempotency_key, subtotal, discount_amount, tax_rate_percent,
			tax_amount, grand_total, payment_method, cashier,
			customer_name, customer_phone, customer_email, status, created_at,
			voided_at, voided_by, void_reason
		FROM sales
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit < 1 {
		limit = 200
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		items, err := s.loadSaleItems(ctx, sales[i].ReceiptNumber)
		if err != nil {
			return nil, err
		}
		sales[i].Items = items
	}
	return sales, nil
}

func (s *Store) VoidSale(ctx context.Context, receiptNumber string, reason string, voidedBy string, at time.Time) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status FROM sales WHERE receipt_number = $1 FOR UPDATE
	`, receiptNumber).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status == domain.SaleStatusVoided {
		return nil, store.ErrAlreadyVoided
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT sku, quantity FROM sale_items WHERE receipt_number = $1
	`, receiptNumber)
	if err != nil {
		return nil, err
	}
	type line struct {
		sku string
		qty int
	}
	lines := make([]line, 0, 8)
	for itemRows.Next() {
		var l line
		if err := itemRows.Scan(&l.sku, &l.qty); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, voided_at = $3, voided_by = $4, void_reason = $5
		WHERE receipt_number = $1 AND status = $6
	`, receiptNumber, domain.SaleStatusVoided, at, voidedBy, reason, domain.SaleStatusComplete)
	if err != nil {
		return nil, err
	}

	for _, l := range lines {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products SET quantity = quantity + $1, updated_at = now() WHERE sku = $2
		`, l.qty, l.sku)
		if err != nil {
			return nil, err
		}
		if err := insertHistory(ctx, pgTx, l.sku, domain.StockActionVoidRefund, l.qty, fmt.Sprintf("void of sale %s", receiptNumber), at); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.FindSaleByReceipt(ctx, receiptNumber)
}

func (s *Store) UpsertCustomerByPhone(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Phone == "" {
		return nil, store.ErrInvalidSale
	}

	// New customers are inserted; existing rows only gain name/email
	// where previously empty.
	var saved domain.Customer
	var email sql.NullString
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (phone, name, email, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (phone) DO UPDATE SET
			name = CASE WHEN customers.name = '' THEN EXCLUDED.name ELSE customers.name END,
			email = CASE WHEN COALESCE(customers.email, '') = '' THEN EXCLUDED.email ELSE customers.email END,
			updated_at = now()
		RETURNING phone, name, email, created_at, updated_at
	`, customer.Phone, customer.Name, nullIfEmpty(customer.Email)).Scan(
		&saved.Phone, &saved.Name, &email, &saved.CreatedAt, &saved.UpdatedAt)
	if err != nil {
		return nil, err
	}
	saved.Email = email.String
	return &saved, nil
}

func (s *Store) CreateHeldSale(ctx context.Context, held domain.HeldSale) (*domain.HeldSale, error) {
	if held.HoldID == "" {
		return nil, store.ErrInvalidSale
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}

	payload, err := json.Marshal(held.Request)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO held_sales (hold_id, note, payload, held_at)
		VALUES ($1,$2,$3,$4)
	`, held.HoldID, held.Note, payload, held.HeldAt)
	if err != nil {
		return nil, err
	}
	return &held, nil
}

func (s *Store) ListHeldSales(ctx context.Context, limit int) ([]domain.HeldSale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT hold_id, note, payload, held_at
		FROM held_sales
		ORDER BY held_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	holds := make([]domain.HeldSale, 0, limit)
	for rows.Next() {
		var held domain.HeldSale
		var payload []byte
		if err := rows.Scan(&held.HoldID, &held.Note, &payload, &held.HeldAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &held.Request); err != nil {
			return nil, err
		}
		holds = append(holds, held)
	}
	return holds, rows.Err()
}

func (s *Store) DeleteHeldSale(ctx context.Context, holdID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM held_sales WHERE hold_id = $1`, holdID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func insertHistory(ctx context.Context, pgTx *sql.Tx, sku string, action domain.StockAction, qtyChange int, description string, at time.Time) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_history (sku, action, qty_change, description, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, sku, string(action), qtyChange, description, at)
	return err
}

func uniqueSKUs(items []domain.SaleItem) []string {
	seen := make(map[string]struct{}, len(items))
	skus := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.SKU]; ok {
			continue
		}
		seen[item.SKU] = struct{}{}
		skus = append(skus, item.SKU)
	}
	return skus
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
