// internal/infrastructure/database/postgres/migration.go
package postgres

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/domain/catalog"
	"github.com/your-org/checkout-engine/internal/domain/checkout"
	"github.com/your-org/checkout-engine/internal/domain/discount"
	"github.com/your-org/checkout-engine/internal/domain/events"
	"github.com/your-org/checkout-engine/internal/domain/inventory"
	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/domain/shipping"
	"gorm.io/gorm"
)

// Migration handles database migrations. It runs against any gorm dialect;
// the extra indexes are PostgreSQL only.
type Migration struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// NewMigration creates a new migration instance
func NewMigration(db *gorm.DB, log logrus.FieldLogger) *Migration {
	return &Migration{db: db, log: log}
}

// Models lists every persisted model in dependency order
func Models() []interface{} {
	return []interface{}{
		// Catalog
		&catalog.Product{},
		&catalog.ProductVariant{},
		&catalog.Campaign{},
		&catalog.Offer{},
		&catalog.GiftRule{},

		// Shipping
		&shipping.DeliveryArea{},
		&shipping.PickupPoint{},
		&shipping.Store{},

		// Ledgers
		&inventory.Reservation{},
		&inventory.StockMovement{},
		&discount.Coupon{},
		&discount.Reservation{},
		&discount.Redemption{},
		&discount.UserUsage{},

		// Orders
		&order.Order{},
		&order.OrderItem{},
		&order.OrderStatusHistory{},

		// Checkout bookkeeping
		&checkout.ProcessedEvent{},
		&events.OutboxEvent{},
	}
}

// RunAutoMigrations runs GORM auto-migrations for all models
func (m *Migration) RunAutoMigrations() error {
	m.log.Info("Running database auto-migrations")

	for _, model := range Models() {
		if err := m.db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate model %T: %w", model, err)
		}
	}

	m.log.Info("Database auto-migrations completed")
	return nil
}

// CreateIndexes creates partial indexes used by the sweepers and the outbox poller
func (m *Migration) CreateIndexes() error {
	if m.db.Dialector.Name() != "postgres" {
		return nil
	}

	indexes := []string{
		// Sweepers only look at live holds
		"CREATE INDEX IF NOT EXISTS idx_inventory_reservations_live ON inventory_reservations(expires_at) WHERE status = 'reserved'",
		"CREATE INDEX IF NOT EXISTS idx_discount_reservations_live ON discount_reservations(expires_at) WHERE status = 'active'",

		// Outbox poller
		"CREATE INDEX IF NOT EXISTS idx_outbox_events_pending ON outbox_events(id) WHERE published_at IS NULL",

		// Order lookups
		"CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders(user_id, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders(status, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_order_status_history_order ON order_status_history(order_id, created_at DESC)",
	}

	failed := 0
	for _, indexSQL := range indexes {
		if err := m.db.Exec(indexSQL).Error; err != nil {
			m.log.WithError(err).Warn("Failed to create index")
			failed++
		}
	}

	m.log.WithFields(logrus.Fields{"created": len(indexes) - failed, "failed": failed}).Info("Indexes created")
	if failed > 0 {
		return fmt.Errorf("%d of %d indexes failed", failed, len(indexes))
	}
	return nil
}

// SeedInitialData inserts demo catalog, shipping and coupon rows. Tables that
// already have rows are left alone.
func (m *Migration) SeedInitialData() error {
	m.log.Info("Seeding initial data")

	if err := m.seedProducts(); err != nil {
		return fmt.Errorf("failed to seed products: %w", err)
	}
	if err := m.seedShipping(); err != nil {
		return fmt.Errorf("failed to seed shipping: %w", err)
	}
	if err := m.seedPromotions(); err != nil {
		return fmt.Errorf("failed to seed promotions: %w", err)
	}

	m.log.Info("Initial data seeded")
	return nil
}

func (m *Migration) empty(model interface{}) (bool, error) {
	var count int64
	if err := m.db.Model(model).Count(&count).Error; err != nil {
		return false, err
	}
	return count == 0, nil
}

func (m *Migration) seedProducts() error {
	if ok, err := m.empty(&catalog.Product{}); err != nil || !ok {
		return err
	}

	products := []catalog.Product{
		{SKU: "TEE-BASIC", Name: "Basic Tee", Price: 10000, Stock: 100, TrackQuantity: true, IsActive: true},
		{SKU: "HOODIE", Name: "Zip Hoodie", Price: 45000, Stock: 20, TrackQuantity: true, IsActive: true, Variants: []catalog.ProductVariant{
			{SKU: "HOODIE-S", Name: "Small", Stock: 5, IsActive: true},
			{SKU: "HOODIE-M", Name: "Medium", Stock: 10, IsActive: true},
			{SKU: "HOODIE-XL", Name: "Extra Large", Price: 49000, Stock: 2, IsActive: true},
		}},
		{SKU: "MUG", Name: "Enamel Mug", Price: 2500, SalePrice: 1900, Stock: 50, TrackQuantity: true, IsActive: true},
		{SKU: "STICKER", Name: "Sticker Pack", Price: 500, Stock: 500, TrackQuantity: true, IsActive: true},
		{SKU: "GIFT-CARD", Name: "Gift Card", Price: 5000, IsActive: true},
	}
	return m.db.Create(&products).Error
}

func (m *Migration) seedShipping() error {
	if ok, err := m.empty(&shipping.DeliveryArea{}); err != nil || !ok {
		return err
	}

	areas := []shipping.DeliveryArea{
		{Code: "city", Name: "City", Fee: 500, FreeAbove: 50000, IsActive: true},
		{Code: "regional", Name: "Regional", Fee: 1200, FreeAbove: 100000, IsActive: true},
	}
	if err := m.db.Create(&areas).Error; err != nil {
		return err
	}
	if err := m.db.Create(&shipping.PickupPoint{Code: "locker-central", Name: "Central Station Locker", Fee: 300, IsActive: true}).Error; err != nil {
		return err
	}
	return m.db.Create(&shipping.Store{Code: "flagship", Name: "Flagship Store", IsActive: true}).Error
}

func (m *Migration) seedPromotions() error {
	if ok, err := m.empty(&discount.Coupon{}); err != nil || !ok {
		return err
	}

	coupons := []discount.Coupon{
		{Code: "SAVE10", Description: "10% off orders over 200", Type: discount.CouponTypePercentage, Value: 1000, MinOrderAmount: 20000, IsActive: true, MaxUsesTotal: 100, MaxUsesPerUser: 1},
		{Code: "WELCOME5", Description: "5 off your first order", Type: discount.CouponTypeFixed, Value: 500, IsActive: true, MaxUsesPerUser: 1},
	}
	if err := m.db.Create(&coupons).Error; err != nil {
		return err
	}

	var sticker catalog.Product
	if err := m.db.Where("sku = ?", "STICKER").First(&sticker).Error; err != nil {
		return err
	}
	return m.db.Create(&catalog.GiftRule{
		Name:        "Free stickers over 300",
		ProductID:   sticker.ID,
		Quantity:    1,
		MinSubtotal: 30000,
		IsActive:    true,
	}).Error
}
