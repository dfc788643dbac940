// internal/domain/catalog/repository.go
package catalog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Repository reads catalog and promotion data for pricing
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new catalog repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FindProducts loads active and inactive products with their variants, keyed by id.
// Missing ids are simply absent from the result.
func (r *Repository) FindProducts(ctx context.Context, ids []uint) (map[uint]*Product, error) {
	result := make(map[uint]*Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var products []Product
	err := r.db.WithContext(ctx).
		Preload("Variants", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("id IN ?", ids).
		Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}

	for i := range products {
		result[products[i].ID] = &products[i]
	}
	return result, nil
}

// ActiveCampaigns returns campaigns that are enabled and inside their window at now
func (r *Repository) ActiveCampaigns(ctx context.Context, now time.Time) ([]Campaign, error) {
	var campaigns []Campaign
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&campaigns).Error; err != nil {
		return nil, fmt.Errorf("failed to load campaigns: %w", err)
	}
	live := campaigns[:0]
	for _, c := range campaigns {
		if c.LiveAt(now) {
			live = append(live, c)
		}
	}
	return live, nil
}

// ActiveOffers returns offers that are enabled and inside their window at now
func (r *Repository) ActiveOffers(ctx context.Context, now time.Time) ([]Offer, error) {
	var offers []Offer
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&offers).Error; err != nil {
		return nil, fmt.Errorf("failed to load offers: %w", err)
	}
	live := offers[:0]
	for _, o := range offers {
		if o.LiveAt(now) {
			live = append(live, o)
		}
	}
	return live, nil
}

// ActiveGiftRules returns gift rules that are enabled and inside their window at now
func (r *Repository) ActiveGiftRules(ctx context.Context, now time.Time) ([]GiftRule, error) {
	var rules []GiftRule
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to load gift rules: %w", err)
	}
	live := rules[:0]
	for _, g := range rules {
		if g.LiveAt(now) {
			live = append(live, g)
		}
	}
	return live, nil
}
