package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type CartLine struct {
	ProductID           string           `json:"product_id"`
	CategoryID          string           `json:"category_id"`
	Name                string           `json:"name"`
	UnitPriceBase       decimal.Decimal  `json:"unit_price_base"`
	UnitPriceDiscounted *decimal.Decimal `json:"unit_price_discounted,omitempty"`
	Quantity            int              `json:"quantity"`
}

// CartSnapshot is the ordered list of lines handed over by the cart
// collaborator at checkout time.
type CartSnapshot []CartLine

func (c CartSnapshot) Validate() error {
	seen := make(map[string]struct{}, len(c))
	for i, line := range c {
		if line.ProductID == "" {
			return fmt.Errorf("%w: line %d has no product id", ErrInvalidCart, i)
		}
		if _, dup := seen[line.ProductID]; dup {
			return fmt.Errorf("%w: product %s appears twice", ErrInvalidCart, line.ProductID)
		}
		seen[line.ProductID] = struct{}{}

		if line.Quantity < 1 {
			return fmt.Errorf("%w: product %s quantity %d", ErrInvalidCart, line.ProductID, line.Quantity)
		}
		if line.UnitPriceBase.IsNegative() {
			return fmt.Errorf("%w: product %s has a negative price", ErrInvalidCart, line.ProductID)
		}
		if d := line.UnitPriceDiscounted; d != nil {
			if d.IsNegative() || d.GreaterThan(line.UnitPriceBase) {
				return fmt.Errorf("%w: product %s discounted price out of range", ErrInvalidCart, line.ProductID)
			}
		}
	}
	return nil
}

// Clone returns a deep copy; the discounted price pointer is not shared.
func (c CartSnapshot) Clone() CartSnapshot {
	if c == nil {
		return nil
	}
	out := make(CartSnapshot, len(c))
	for i, line := range c {
		out[i] = line
		if line.UnitPriceDiscounted != nil {
			d := *line.UnitPriceDiscounted
			out[i].UnitPriceDiscounted = &d
		}
	}
	return out
}

func (c CartSnapshot) ProductIDs() []string {
	ids := make([]string, 0, len(c))
	for _, line := range c {
		ids = append(ids, line.ProductID)
	}
	return ids
}

func (c CartSnapshot) CategoryIDs() []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(c))
	for _, line := range c {
		if line.CategoryID == "" {
			continue
		}
		if _, ok := seen[line.CategoryID]; ok {
			continue
		}
		seen[line.CategoryID] = struct{}{}
		ids = append(ids, line.CategoryID)
	}
	return ids
}
