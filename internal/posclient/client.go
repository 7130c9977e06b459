// Package posclient is the terminal-resident half of checkout: it
// prices carts locally, posts commits to the server, hands them to the
// offline queue when the network is down, and reconciles the queue
// through the batch endpoint once connectivity returns.
package posclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/offline"
	"swiftpos/backend/internal/pricing"
)

// APIError is a non-2xx response from the server, decoded from the
// {error, details[]} body.
type APIError struct {
	StatusCode int
	Message    string
	Details    []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL     string
	http        *http.Client
	queue       *offline.Queue
	catalogPath string

	// Advisory product view: refreshed from the server when reachable,
	// decremented locally when a sale is queued offline so subsequent
	// offline sales see realistic availability. Never authoritative;
	// the next successful refresh overwrites it wholesale. Snapshotted
	// to catalogPath so a restarted terminal can still price carts
	// while the server is unreachable.
	mu       sync.RWMutex
	products map[string]domain.Product
}

// New builds a client over the given queue. A non-empty catalogPath
// enables the on-disk catalog snapshot; the last persisted snapshot is
// loaded immediately so offline checkout works from a fresh process.
func New(baseURL string, queue *offline.Queue, catalogPath string) *Client {
	c := &Client{
		baseURL:     baseURL,
		http:        &http.Client{Timeout: 10 * time.Second},
		queue:       queue,
		catalogPath: catalogPath,
		products:    make(map[string]domain.Product),
	}
	if catalogPath != "" {
		c.loadCatalog()
	}
	return c
}

// CheckoutResult reports how a checkout ended: committed server-side,
// or parked in the offline queue as deferred success.
type CheckoutResult struct {
	Sale      *domain.Sale
	Duplicate bool
	Queued    bool
	Entry     *offline.Entry
}

// RefreshProducts replaces the advisory product view with the server's
// authoritative snapshot.
func (c *Client) RefreshProducts(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/inventory", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch inventory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var body struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = make(map[string]domain.Product, len(body.Products))
	for _, p := range body.Products {
		c.products[p.SKU] = p
	}
	return c.persistCatalogLocked()
}

func (c *Client) Products() []domain.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	return out
}

func (c *Client) Product(sku string) (domain.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[sku]
	return p, ok
}

// Checkout prices the cart with the shared pricing engine, fills in the
// client-computed totals and posts the commit. A transport failure is
// not an error to the cashier: the sale is queued for later sync and
// the local product view takes an advisory decrement.
func (c *Client) Checkout(ctx context.Context, req domain.SaleRequest) (CheckoutResult, error) {
	totals, err := pricing.Compute(req.Items, req.TaxRatePercent)
	if err != nil {
		return CheckoutResult{}, err
	}
	rounded := totals.Rounded()
	req.Subtotal = rounded.Subtotal
	req.DiscountAmount = rounded.Discount
	req.TaxAmount = rounded.Tax
	req.GrandTotal = rounded.GrandTotal

	payload, err := json.Marshal(req)
	if err != nil {
		return CheckoutResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sales", bytes.NewReader(payload))
	if err != nil {
		return CheckoutResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Unreachable server: defer, don't fail.
		return c.deferToQueue(req)
	}
	defer resp.Body.Close()

	// A gateway-class status means an intermediary answered while the
	// backend is down; to the cashier that is the same network failure.
	if isGatewayUnavailable(resp.StatusCode) {
		return c.deferToQueue(req)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return CheckoutResult{}, decodeAPIError(resp)
	}

	var saleResp domain.SaleResponse
	if err := json.NewDecoder(resp.Body).Decode(&saleResp); err != nil {
		return CheckoutResult{}, err
	}
	return CheckoutResult{Sale: &saleResp.Sale, Duplicate: saleResp.Duplicate}, nil
}

// SyncReport summarizes one reconciliation pass.
type SyncReport struct {
	Submitted int
	Synced    int
	Failed    int
	Results   []domain.BatchSyncResult
}

// SyncAll submits every pending and previously-failed entry as one
// batch, in queued order. Per-entry: ok deletes the local entry, an
// error marks it failed and keeps it. Safe to call repeatedly: the
// idempotency tokens make a replay of already-committed entries a
// no-op on the server.
func (c *Client) SyncAll(ctx context.Context) (SyncReport, error) {
	entries := c.queue.Pending()
	if len(entries) == 0 {
		return SyncReport{}, nil
	}

	batch := domain.BatchSyncRequest{Sales: make([]domain.BatchSaleEntry, 0, len(entries))}
	for _, entry := range entries {
		batch.Sales = append(batch.Sales, domain.BatchSaleEntry{
			LocalID: entry.LocalID,
			Sale:    entry.Request,
		})
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return SyncReport{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sales/batch", bytes.NewReader(payload))
	if err != nil {
		return SyncReport{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return SyncReport{}, fmt.Errorf("sync batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SyncReport{}, decodeAPIError(resp)
	}

	var batchResp domain.BatchSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&batchResp); err != nil {
		return SyncReport{}, err
	}

	report := SyncReport{Submitted: len(entries), Results: batchResp.Results}
	for _, result := range batchResp.Results {
		if result.Status == domain.BatchResultOK {
			if err := c.queue.MarkSynced(result.LocalID); err != nil {
				return report, err
			}
			report.Synced++
			continue
		}
		if err := c.queue.MarkFailed(result.LocalID, result.Error); err != nil {
			return report, err
		}
		report.Failed++
	}
	return report, nil
}

func (c *Client) deferToQueue(req domain.SaleRequest) (CheckoutResult, error) {
	entry, err := c.queue.Enqueue(req)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("server unreachable and queueing failed: %w", err)
	}
	c.applyAdvisoryDecrement(req.Items)
	return CheckoutResult{Queued: true, Entry: &entry}, nil
}

func isGatewayUnavailable(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) applyAdvisoryDecrement(items []domain.CartItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range items {
		p, ok := c.products[item.SKU]
		if !ok {
			continue
		}
		p.Quantity -= item.Quantity
		if p.Quantity < 0 {
			p.Quantity = 0
		}
		c.products[item.SKU] = p
	}

	// The queued sale already happened from the cashier's point of
	// view, so a failed snapshot write must not surface as an error.
	if err := c.persistCatalogLocked(); err != nil {
		log.Printf("[posclient] WARN: catalog snapshot write failed: %v", err)
	}
}

type catalogFile struct {
	SavedAt  time.Time        `json:"saved_at"`
	Products []domain.Product `json:"products"`
}

func (c *Client) loadCatalog() {
	raw, err := os.ReadFile(c.catalogPath)
	if err != nil {
		return
	}

	var file catalogFile
	if err := json.Unmarshal(raw, &file); err != nil {
		log.Printf("[posclient] WARN: unreadable catalog snapshot %s: %v", c.catalogPath, err)
		return
	}

	c.products = make(map[string]domain.Product, len(file.Products))
	for _, p := range file.Products {
		c.products[p.SKU] = p
	}
}

func (c *Client) persistCatalogLocked() error {
	if c.catalogPath == "" {
		return nil
	}

	products := make([]domain.Product, 0, len(c.products))
	for _, p := range c.products {
		products = append(products, p)
	}

	payload, err := json.MarshalIndent(catalogFile{SavedAt: time.Now().UTC(), Products: products}, "", "  ")
	if err != nil {
		return err
	}

	tmp := c.catalogPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.catalogPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.catalogPath)
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error, Details: body.Details}
}
