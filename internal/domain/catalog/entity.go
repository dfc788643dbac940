// internal/domain/catalog/entity.go
package catalog

import (
	"time"
)

// Product is the catalog read model used by checkout. Price and stock are in
// minor units and whole units respectively. Stock is written only by the
// inventory reservation ledger.
type Product struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SKU            string     `gorm:"uniqueIndex;not null;size:100" json:"sku"`
	Name           string     `gorm:"not null;size:255" json:"name"`
	Price          int64      `gorm:"not null" json:"price"`
	SalePrice      int64      `json:"sale_price"`
	SaleStartsAt   *time.Time `json:"sale_starts_at,omitempty"`
	SaleEndsAt     *time.Time `json:"sale_ends_at,omitempty"`
	Stock          int        `gorm:"not null" json:"stock"`
	TrackQuantity  bool       `json:"track_quantity"`
	AllowBackorder bool       `json:"allow_backorder"`
	IsActive       bool       `gorm:"index" json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Relationships
	Variants []ProductVariant `gorm:"foreignKey:ProductID" json:"variants,omitempty"`
}

// ProductVariant is a purchasable option of a product. A positive Price overrides
// the product price.
type ProductVariant struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	ProductID    uint       `gorm:"not null;index" json:"product_id"`
	SKU          string     `gorm:"uniqueIndex;not null;size:100" json:"sku"`
	Name         string     `gorm:"not null;size:255" json:"name"`
	Price        int64      `json:"price"`
	SalePrice    int64      `json:"sale_price"`
	SaleStartsAt *time.Time `json:"sale_starts_at,omitempty"`
	SaleEndsAt   *time.Time `json:"sale_ends_at,omitempty"`
	Stock        int        `gorm:"not null" json:"stock"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName overrides
func (Product) TableName() string        { return "products" }
func (ProductVariant) TableName() string { return "product_variants" }

// HasVariants reports whether a line for this product must name a variant
func (p *Product) HasVariants() bool {
	return len(p.Variants) > 0
}

// Variant returns the active variant with the given id
func (p *Product) Variant(id uint) (*ProductVariant, bool) {
	for i := range p.Variants {
		if p.Variants[i].ID == id && p.Variants[i].IsActive {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// Tracked reports whether requested quantities must fit in available stock
func (p *Product) Tracked() bool {
	return p.TrackQuantity && !p.AllowBackorder
}

// AvailableStock returns the stock that backs a line for this product or variant
func (p *Product) AvailableStock(v *ProductVariant) int {
	if v != nil {
		return v.Stock
	}
	return p.Stock
}

// UnitPrice resolves the price charged for one unit at the given instant.
// A sale applies only when its price is positive, below the base price and the
// optional window contains now; that rule is the only definition of "on sale".
func (p *Product) UnitPrice(v *ProductVariant, now time.Time) (unit, list int64, onSale bool) {
	list = p.Price
	if v != nil && v.Price > 0 {
		list = v.Price
	}

	salePrice, starts, ends := p.SalePrice, p.SaleStartsAt, p.SaleEndsAt
	if v != nil && v.SalePrice > 0 {
		salePrice, starts, ends = v.SalePrice, v.SaleStartsAt, v.SaleEndsAt
	}

	if salePrice > 0 && salePrice < list && withinWindow(now, starts, ends) {
		return salePrice, list, true
	}
	return list, list, false
}

func withinWindow(now time.Time, starts, ends *time.Time) bool {
	if starts != nil && now.Before(*starts) {
		return false
	}
	if ends != nil && !now.Before(*ends) {
		return false
	}
	return true
}
