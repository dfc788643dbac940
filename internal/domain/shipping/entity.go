// internal/domain/shipping/entity.go
package shipping

import "time"

// Method is the kind of fulfilment the customer selected
type Method string

const (
	MethodDelivery    Method = "delivery"
	MethodPickupPoint Method = "pickup_point"
	MethodStorePickup Method = "store_pickup"
)

// DeliveryArea is a home-delivery zone with a flat fee, waived at or above FreeAbove
type DeliveryArea struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Code      string    `gorm:"uniqueIndex;not null;size:50" json:"code"`
	Name      string    `gorm:"not null;size:100" json:"name"`
	Fee       int64     `gorm:"not null" json:"fee"`
	FreeAbove int64     `json:"free_above"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PickupPoint is a parcel locker or partner shop
type PickupPoint struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Code      string    `gorm:"uniqueIndex;not null;size:50" json:"code"`
	Name      string    `gorm:"not null;size:100" json:"name"`
	Fee       int64     `gorm:"not null" json:"fee"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is an own retail location; collecting there is free
type Store struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Code      string    `gorm:"uniqueIndex;not null;size:50" json:"code"`
	Name      string    `gorm:"not null;size:100" json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides
func (DeliveryArea) TableName() string { return "delivery_areas" }
func (PickupPoint) TableName() string  { return "pickup_points" }
func (Store) TableName() string        { return "stores" }

// Selection is the customer's shipping choice as sent by the client
type Selection struct {
	Method      Method `json:"method" binding:"required"`
	Area        string `json:"area,omitempty"`
	PickupPoint string `json:"pickup_point,omitempty"`
	Store       string `json:"store,omitempty"`
}

// Option is a resolved, priced shipping selection
type Option struct {
	Method Method `json:"method"`
	Code   string `json:"code"`
	Label  string `json:"label"`
	Fee    int64  `json:"fee"`
	Waived bool   `json:"waived"`
}
