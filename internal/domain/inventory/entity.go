// internal/domain/inventory/entity.go
package inventory

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ReservationStatus represents the lifecycle of a stock hold
type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "reserved"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusReleased  ReservationStatus = "released"
	StatusExpired   ReservationStatus = "expired"
)

// MovementType represents the direction of a stock movement
type MovementType string

const (
	MovementTypeOutbound MovementType = "outbound" // Stock taken by a hold
	MovementTypeInbound  MovementType = "inbound"  // Stock given back
)

// MovementReason represents why stock moved
type MovementReason string

const (
	ReasonReservation    MovementReason = "reservation"
	ReasonReleased       MovementReason = "released"
	ReasonExpired        MovementReason = "expired"
	ReasonOrphaned       MovementReason = "orphaned"
	ReasonCancelled      MovementReason = "cancelled"
	ReasonStaleConfirmed MovementReason = "stale_confirmed"
	ReasonCompensation   MovementReason = "compensation"
)

// Item is one product or variant quantity held by a reservation. Decremented
// records whether stock was actually taken, so restocks never over-credit
// untracked items.
type Item struct {
	ProductID   uint  `json:"product_id"`
	VariantID   *uint `json:"variant_id,omitempty"`
	Quantity    int   `json:"quantity"`
	Decremented bool  `json:"decremented"`
}

// Items is stored as a JSON document on the reservation row
type Items []Item

// Value implements driver.Valuer
func (it Items) Value() (driver.Value, error) {
	if it == nil {
		return "[]", nil
	}
	b, err := json.Marshal(it)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (it *Items) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*it = nil
		return nil
	case []byte:
		return json.Unmarshal(v, it)
	case string:
		return json.Unmarshal([]byte(v), it)
	}
	return fmt.Errorf("cannot scan %T into inventory items", src)
}

// Reservation is the single stock hold for one order. Rows are never deleted.
type Reservation struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	OrderID       string            `gorm:"uniqueIndex;not null;size:64" json:"order_id"`
	Items         Items             `gorm:"type:text;not null" json:"items"`
	Status        ReservationStatus `gorm:"not null;size:20;index" json:"status"`
	ExpiresAt     time.Time         `gorm:"not null;index" json:"expires_at"`
	ConfirmedAt   *time.Time        `json:"confirmed_at,omitempty"`
	ReleasedAt    *time.Time        `json:"released_at,omitempty"`
	ReleaseReason MovementReason    `gorm:"size:30" json:"release_reason,omitempty"`
	CreatedAt     time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// StockMovement is an append-only audit row for every stock change made by the ledger
type StockMovement struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ProductID    uint           `gorm:"not null;index" json:"product_id"`
	VariantID    *uint          `gorm:"index" json:"variant_id,omitempty"`
	OrderID      string         `gorm:"not null;size:64;index" json:"order_id"`
	MovementType MovementType   `gorm:"not null;size:20" json:"movement_type"`
	Reason       MovementReason `gorm:"not null;size:30" json:"reason"`
	Quantity     int            `gorm:"not null" json:"quantity"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TableName overrides
func (Reservation) TableName() string   { return "inventory_reservations" }
func (StockMovement) TableName() string { return "stock_movements" }

// IsActive reports whether the hold still blocks stock and can be confirmed at now
func (r *Reservation) IsActive(now time.Time) bool {
	return r.Status == StatusReserved && r.ExpiresAt.After(now)
}

// TotalQuantity sums the held quantities
func (r *Reservation) TotalQuantity() int {
	total := 0
	for _, it := range r.Items {
		total += it.Quantity
	}
	return total
}

// mergeItems folds duplicate product/variant entries together, keeping first-seen order
func mergeItems(items []Item) Items {
	type key struct {
		product uint
		variant uint
	}
	index := make(map[key]int, len(items))
	out := make(Items, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			continue
		}
		k := key{product: it.ProductID}
		if it.VariantID != nil {
			k.variant = *it.VariantID
		}
		if i, ok := index[k]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[k] = len(out)
		out = append(out, Item{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity})
	}
	return out
}
