// Command terminal is the cashier-side companion to the backend: it
// prices and submits sales, queues them locally when the server is
// unreachable, and reconciles the queue once connectivity returns.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"swiftpos/backend/internal/domain"
	"swiftpos/backend/internal/offline"
	"swiftpos/backend/internal/posclient"
)

func main() {
	_ = godotenv.Load()

	serverURL := flag.String("server", envOr("POS_SERVER_URL", "http://127.0.0.1:8080"), "backend base URL")
	queuePath := flag.String("queue", envOr("POS_QUEUE_FILE", "pos-queue.json"), "offline queue file")
	catalogPath := flag.String("catalog", envOr("POS_CATALOG_FILE", "pos-catalog.json"), "catalog snapshot file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	queue, err := offline.Open(*queuePath)
	if err != nil {
		log.Fatalf("open queue: %v", err)
	}
	client := posclient.New(*serverURL, queue, *catalogPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "products":
		runProducts(ctx, client)
	case "checkout":
		runCheckout(ctx, client, args[1:])
	case "pending":
		runPending(queue)
	case "sync":
		runSync(ctx, client)
	case "discard":
		runDiscard(queue, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: terminal [-server URL] [-queue FILE] [-catalog FILE] COMMAND

commands:
  products                     fetch and print the product catalog
  checkout -item SKU:QTY ...   commit a sale (queued if the server is down)
  pending                      print queued offline sales
  sync                         push queued sales to the server
  discard -id N                drop a queued sale that cannot be fulfilled`)
}

func runProducts(ctx context.Context, client *posclient.Client) {
	if err := client.RefreshProducts(ctx); err != nil {
		log.Fatalf("refresh products: %v", err)
	}
	for _, p := range client.Products() {
		fmt.Printf("%-14s %-24s %8s  qty %d\n", p.SKU, p.Name, p.SellingPrice.StringFixed(2), p.Quantity)
	}
}

// itemList collects repeated -item SKU:QTY flags.
type itemList []domain.CartItem

func (l *itemList) String() string {
	return fmt.Sprintf("%d items", len(*l))
}

func (l *itemList) Set(raw string) error {
	sku, qtyStr, ok := strings.Cut(raw, ":")
	if !ok {
		return fmt.Errorf("want SKU:QTY, got %q", raw)
	}
	qty, err := strconv.Atoi(qtyStr)
	if err != nil || qty < 1 {
		return fmt.Errorf("quantity in %q must be a positive integer", raw)
	}
	*l = append(*l, domain.CartItem{
		SKU:          strings.ToUpper(strings.TrimSpace(sku)),
		Quantity:     qty,
		DiscountType: domain.DiscountNone,
	})
	return nil
}

func runCheckout(ctx context.Context, client *posclient.Client, args []string) {
	fs := flag.NewFlagSet("checkout", flag.ExitOnError)
	var items itemList
	fs.Var(&items, "item", "cart line as SKU:QTY (repeatable)")
	payment := fs.String("pay", "cash", "payment method: cash, card or upi")
	cashier := fs.String("cashier", envOr("POS_CASHIER", "terminal"), "cashier name")
	taxRate := fs.String("tax", "0", "tax rate percent")
	phone := fs.String("phone", "", "customer phone (optional)")
	name := fs.String("name", "", "customer name (optional)")
	_ = fs.Parse(args)

	if len(items) == 0 {
		log.Fatal("checkout needs at least one -item SKU:QTY")
	}
	rate, err := decimal.NewFromString(*taxRate)
	if err != nil {
		log.Fatalf("bad tax rate %q: %v", *taxRate, err)
	}

	// Prices come from the server catalog; carts are built against it.
	if err := client.RefreshProducts(ctx); err != nil {
		log.Printf("catalog refresh failed (%v); using last known prices", err)
	}
	for i := range items {
		p, ok := client.Product(items[i].SKU)
		if !ok {
			log.Fatalf("unknown sku %s; run the products command first", items[i].SKU)
		}
		items[i].Name = p.Name
		items[i].UnitPrice = p.SellingPrice
	}

	result, err := client.Checkout(ctx, domain.SaleRequest{
		Items:          items,
		TaxRatePercent: rate,
		PaymentMethod:  *payment,
		Cashier:        *cashier,
		CustomerPhone:  *phone,
		CustomerName:   *name,
	})
	if err != nil {
		log.Fatalf("checkout failed: %v", err)
	}

	if result.Queued {
		fmt.Printf("server unreachable; sale queued locally as #%d\n", result.Entry.LocalID)
		return
	}
	if result.Duplicate {
		fmt.Printf("already committed as %s\n", result.Sale.ReceiptNumber)
		return
	}
	fmt.Printf("receipt %s  total %s\n", result.Sale.ReceiptNumber, result.Sale.GrandTotal.StringFixed(2))
}

func runPending(queue *offline.Queue) {
	entries := queue.Pending()
	if len(entries) == 0 {
		fmt.Println("queue empty")
		return
	}
	for _, entry := range entries {
		line := fmt.Sprintf("#%d  %s  %d items  %s",
			entry.LocalID, entry.QueuedAt.Format(time.RFC3339), len(entry.Request.Items), entry.SyncStatus)
		if entry.FailureReason != "" {
			line += "  (" + entry.FailureReason + ")"
		}
		fmt.Println(line)
	}
}

func runSync(ctx context.Context, client *posclient.Client) {
	report, err := client.SyncAll(ctx)
	if err != nil {
		log.Fatalf("sync failed: %v", err)
	}
	if report.Submitted == 0 {
		fmt.Println("nothing to sync")
		return
	}
	fmt.Printf("submitted %d: %d synced, %d failed\n", report.Submitted, report.Synced, report.Failed)
	for _, result := range report.Results {
		if result.Status != domain.BatchResultOK {
			fmt.Printf("  #%d failed: %s\n", result.LocalID, result.Error)
		}
	}
}

func runDiscard(queue *offline.Queue, args []string) {
	fs := flag.NewFlagSet("discard", flag.ExitOnError)
	id := fs.Int64("id", 0, "local queue id to discard")
	_ = fs.Parse(args)

	if *id < 1 {
		log.Fatal("discard needs -id")
	}
	if err := queue.Discard(*id); err != nil {
		log.Fatalf("discard: %v", err)
	}
	fmt.Printf("discarded #%d\n", *id)
}

func envOr(key string, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
