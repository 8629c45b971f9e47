/*
Package factory provides JSON to Go financing product conversion.

PURPOSE:
  Converts JSON product definitions into Product values. A product fixes
  the rate, term and formula of a plan so that stores only supply the
  price and down payment. New products need no code change: they are
  loaded from a JSON catalog file.

JSON SCHEMA:
  {
    "id": "phone-10",
    "name": "Phones, 10 months",
    "rate": "10",
    "months": 10,
    "formula": "flat",
    "min_down_percent": "20"
  }

  rate and min_down_percent are decimal strings (percent). formula may be
  omitted, in which case the engine default applies at plan creation.

USAGE:
  f := NewProductFactory()
  catalog, err := f.ParseCatalog(jsonArray)
  p, ok := catalog.Get("phone-10")
  terms, err := p.Terms(price, down)

SEE ALSO:
  - installment/types.go: Terms
  - api/handlers.go: POST /api/plans with product_id
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/installment-engine/installment"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProductJSON is the JSON representation of a financing product.
type ProductJSON struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Rate           string `json:"rate"`
	Months         int    `json:"months"`
	Formula        string `json:"formula,omitempty"`
	MinDownPercent string `json:"min_down_percent,omitempty"`
}

// Product is a named set of financing terms.
type Product struct {
	ID             string
	Name           string
	Rate           decimal.Decimal
	Months         int
	Formula        installment.Formula // empty: engine default
	MinDownPercent decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Terms builds plan terms for a purchase under this product.
func (p Product) Terms(price, down installment.Money) (installment.Terms, error) {
	if p.MinDownPercent.IsPositive() {
		minDown := installment.MoneyFromDecimal(price.Decimal().Mul(p.MinDownPercent).Div(hundred))
		if down < minDown {
			return installment.Terms{}, &installment.ValidationError{
				Field:  "down_payment",
				Reason: fmt.Sprintf("product %s requires at least %s%% down (%s)", p.ID, p.MinDownPercent, minDown),
			}
		}
	}
	t := installment.Terms{
		ProductPrice: price,
		DownPayment:  down,
		Rate:         p.Rate,
		Months:       p.Months,
		Formula:      p.Formula,
	}
	return t, nil
}

// =============================================================================
// PRODUCT FACTORY
// =============================================================================

// ProductFactory converts JSON products to Go structs.
type ProductFactory struct{}

// NewProductFactory creates a new product factory.
func NewProductFactory() *ProductFactory {
	return &ProductFactory{}
}

// ParseProduct parses a JSON object into a Product.
func (f *ProductFactory) ParseProduct(jsonStr string) (*Product, error) {
	var pj ProductJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("failed to parse product JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// ParseCatalog parses a JSON array of products. Duplicate ids are rejected.
func (f *ProductFactory) ParseCatalog(jsonStr string) (*Catalog, error) {
	var pjs []ProductJSON
	if err := json.Unmarshal([]byte(jsonStr), &pjs); err != nil {
		return nil, fmt.Errorf("failed to parse product catalog JSON: %w", err)
	}
	c := &Catalog{byID: make(map[string]Product, len(pjs))}
	for _, pj := range pjs {
		p, err := f.FromJSON(pj)
		if err != nil {
			return nil, err
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate product id %q", p.ID)
		}
		c.byID[p.ID] = *p
	}
	return c, nil
}

// FromJSON validates and converts ProductJSON.
func (f *ProductFactory) FromJSON(pj ProductJSON) (*Product, error) {
	if pj.ID == "" {
		return nil, fmt.Errorf("product id is required")
	}
	if pj.Months <= 0 || pj.Months > installment.MaxMonths {
		return nil, fmt.Errorf("product %s: months must be between 1 and %d", pj.ID, installment.MaxMonths)
	}

	rate, err := parsePercent(pj.Rate)
	if err != nil {
		return nil, fmt.Errorf("product %s: invalid rate: %w", pj.ID, err)
	}

	p := &Product{ID: pj.ID, Name: pj.Name, Rate: rate, Months: pj.Months}
	if p.Name == "" {
		p.Name = pj.ID
	}
	if pj.Formula != "" {
		p.Formula, err = installment.ParseFormula(pj.Formula)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", pj.ID, err)
		}
	}
	if pj.MinDownPercent != "" {
		p.MinDownPercent, err = parsePercent(pj.MinDownPercent)
		if err != nil {
			return nil, fmt.Errorf("product %s: invalid min_down_percent: %w", pj.ID, err)
		}
		if p.MinDownPercent.GreaterThanOrEqual(hundred) {
			return nil, fmt.Errorf("product %s: min_down_percent must be below 100", pj.ID)
		}
	}
	return p, nil
}

// ToJSON converts a Product to ProductJSON.
func (f *ProductFactory) ToJSON(p Product) ProductJSON {
	pj := ProductJSON{
		ID:      p.ID,
		Name:    p.Name,
		Rate:    p.Rate.String(),
		Months:  p.Months,
		Formula: string(p.Formula),
	}
	if !p.MinDownPercent.IsZero() {
		pj.MinDownPercent = p.MinDownPercent.String()
	}
	return pj
}

func parsePercent(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s is negative", s)
	}
	return d, nil
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is an immutable set of products keyed by id.
type Catalog struct {
	byID map[string]Product
}

func (c *Catalog) Get(id string) (Product, bool) {
	if c == nil {
		return Product{}, false
	}
	p, ok := c.byID[id]
	return p, ok
}

// List returns products ordered by months, then id.
func (c *Catalog) List() []Product {
	if c == nil {
		return nil
	}
	out := make([]Product, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Months != out[j].Months {
			return out[i].Months < out[j].Months
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// PRESET CATALOG
// =============================================================================

// DefaultCatalogJSON is served when no catalog file is configured.
func DefaultCatalogJSON() string {
	return `[
  {"id": "flat-3",   "name": "3 months, 5% flat",   "rate": "5",  "months": 3,  "formula": "flat"},
  {"id": "flat-6",   "name": "6 months, 8% flat",   "rate": "8",  "months": 6,  "formula": "flat"},
  {"id": "flat-10",  "name": "10 months, 10% flat", "rate": "10", "months": 10, "formula": "flat", "min_down_percent": "20"},
  {"id": "simple-12", "name": "12 months, 1.5% per month", "rate": "1.5", "months": 12, "formula": "simple", "min_down_percent": "30"}
]`
}
