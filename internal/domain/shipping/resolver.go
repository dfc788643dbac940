// internal/domain/shipping/resolver.go
package shipping

import (
	"context"
	"errors"
	"fmt"

	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"gorm.io/gorm"
)

// Resolver prices a shipping selection. Unknown or inactive options are hard errors.
type Resolver struct {
	db *gorm.DB
}

// NewResolver creates a new shipping resolver
func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve validates the selection and returns its fee for the given merchandise subtotal
func (r *Resolver) Resolve(ctx context.Context, sel Selection, subtotal int64) (*Option, error) {
	db := r.db.WithContext(ctx)

	switch sel.Method {
	case MethodDelivery:
		var area DeliveryArea
		if err := findActive(db, &area, sel.Area); err != nil {
			return nil, notFound(err, apperrors.CodeInvalidShippingArea, "delivery area", sel.Area)
		}
		opt := &Option{Method: sel.Method, Code: area.Code, Label: area.Name, Fee: area.Fee}
		if area.FreeAbove > 0 && subtotal >= area.FreeAbove {
			opt.Fee = 0
			opt.Waived = true
		}
		return opt, nil

	case MethodPickupPoint:
		var point PickupPoint
		if err := findActive(db, &point, sel.PickupPoint); err != nil {
			return nil, notFound(err, apperrors.CodeInvalidShippingPoint, "pickup point", sel.PickupPoint)
		}
		return &Option{Method: sel.Method, Code: point.Code, Label: point.Name, Fee: point.Fee}, nil

	case MethodStorePickup:
		var store Store
		if err := findActive(db, &store, sel.Store); err != nil {
			return nil, notFound(err, apperrors.CodeInvalidShippingStore, "store", sel.Store)
		}
		return &Option{Method: sel.Method, Code: store.Code, Label: store.Name}, nil
	}

	return nil, apperrors.Newf(apperrors.CodeInvalidShippingMethod, "unknown shipping method %q", sel.Method)
}

func findActive(db *gorm.DB, dest interface{}, code string) error {
	if code == "" {
		return gorm.ErrRecordNotFound
	}
	return db.Where("code = ? AND is_active = ?", code, true).First(dest).Error
}

func notFound(err error, code apperrors.Code, kind, value string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.Newf(code, "%s %q is unknown or inactive", kind, value)
	}
	return fmt.Errorf("failed to load %s: %w", kind, err)
}
