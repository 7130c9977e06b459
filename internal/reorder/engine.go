// Package reorder turns the product table and recent sales into a
// ranked restock worklist for the shopkeeper.
package reorder

import (
	"math"
	"sort"
	"time"

	"swiftpos/backend/internal/domain"
)

// Suggestion is one product worth restocking, scored by how urgently it
// needs attention.
type Suggestion struct {
	SKU            string  `json:"sku"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	Quantity       int     `json:"quantity"`
	ReorderLevel   int     `json:"reorder_level"`
	RecentSold     int     `json:"recent_sold"`
	SuggestedOrder int     `json:"suggested_order"`
	Urgency        float64 `json:"urgency"`
}

type Engine struct {
	minUrgency float64
	window     time.Duration
}

func NewEngine() *Engine {
	return &Engine{
		minUrgency: 0.15,
		window:     7 * 24 * time.Hour,
	}
}

// Window reports how far back the engine wants sales history.
func (e *Engine) Window() time.Duration {
	return e.window
}

// Suggest scores every product against its reorder level and recent
// sales velocity. Voided sales carry no demand signal and are skipped.
// Products comfortably above their reorder level with no recent
// movement fall below the urgency floor and are omitted.
func (e *Engine) Suggest(products []domain.Product, recentSales []domain.Sale) []Suggestion {
	sold := make(map[string]int)
	for _, sale := range recentSales {
		if sale.Status == domain.SaleStatusVoided {
			continue
		}
		for _, item := range sale.Items {
			sold[item.SKU] += item.Quantity
		}
	}

	suggestions := make([]Suggestion, 0)
	for _, p := range products {
		level := p.ReorderLevel
		if level < 1 {
			continue
		}

		// Below the line counts hard; demand eating into remaining
		// stock counts too.
		deficit := clamp(float64(level-p.Quantity)/float64(level), 0, 1)
		velocity := 0.0
		if sold[p.SKU] > 0 && p.Quantity > 0 {
			velocity = clamp(float64(sold[p.SKU])/float64(p.Quantity), 0, 1)
		} else if sold[p.SKU] > 0 {
			velocity = 1
		}

		urgency := 0.65*deficit + 0.35*velocity
		if urgency < e.minUrgency {
			continue
		}

		target := 2*level + sold[p.SKU]
		order := target - p.Quantity
		if order < 1 {
			continue
		}

		suggestions = append(suggestions, Suggestion{
			SKU:            p.SKU,
			Name:           p.Name,
			Category:       p.Category,
			Quantity:       p.Quantity,
			ReorderLevel:   level,
			RecentSold:     sold[p.SKU],
			SuggestedOrder: order,
			Urgency:        round2(urgency),
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Urgency == suggestions[j].Urgency {
			return suggestions[i].SKU < suggestions[j].SKU
		}
		return suggestions[i].Urgency > suggestions[j].Urgency
	})
	return suggestions
}

func clamp(val float64, minVal float64, maxVal float64) float64 {
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
