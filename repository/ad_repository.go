package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
)

// AdRepositoryImpl implements AdRepository
type AdRepositoryImpl struct {
	*BaseRepository[models.Ad, models.AdFilter]
}

func NewAdRepository(db *gorm.DB) AdRepository {
	return &AdRepositoryImpl{BaseRepository: NewBaseRepository[models.Ad, models.AdFilter](db)}
}

func (r *AdRepositoryImpl) applyFilter(db *gorm.DB, f models.AdFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.SponsorID != nil {
		db = db.Where("sponsor_id = ?", *f.SponsorID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.ActiveAt != nil {
		db = db.Where("start_date <= ? AND end_date >= ?", *f.ActiveAt, *f.ActiveAt)
	}
	return db
}

func (r *AdRepositoryImpl) ByFilter(ctx context.Context, filter models.AdFilter, orderBy string, limit, offset int) ([]*models.Ad, error) {
	return r.findPage(ctx, func(db *gorm.DB) *gorm.DB { return r.applyFilter(db, filter) }, orderBy, limit, offset)
}

func (r *AdRepositoryImpl) Count(ctx context.Context, filter models.AdFilter) (int64, error) {
	return r.countWhere(ctx, func(db *gorm.DB) *gorm.DB { return r.applyFilter(db, filter) })
}

func (r *AdRepositoryImpl) Exists(ctx context.Context, filter models.AdFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// ListEligible returns the rotation pool: active, in flight and with budget left, oldest first
func (r *AdRepositoryImpl) ListEligible(ctx context.Context, now time.Time) ([]*models.Ad, error) {
	status := models.AdStatusActive
	filter := models.AdFilter{Status: &status, ActiveAt: &now}
	return r.findPage(ctx, func(db *gorm.DB) *gorm.DB {
		return r.applyFilter(db, filter).Where("remaining_budget > 0")
	}, "created_at ASC, id ASC", 0, 0)
}

func (r *AdRepositoryImpl) ByIDForUpdate(ctx context.Context, id uint) (*models.Ad, error) {
	db := lockForUpdate(r.getDB(ctx))
	var row models.Ad
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock ad %d: %w", id, err)
	}
	return &row, nil
}

func (r *AdRepositoryImpl) UpdateRemainingBudget(ctx context.Context, id uint, remaining int64, status models.AdStatus) error {
	db := r.getDB(ctx)
	err := db.Model(&models.Ad{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"remaining_budget": remaining,
			"status":           status,
			"updated_at":       time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update ad budget: %w", err)
	}
	return nil
}

// PauseActiveBySponsor pauses every active ad of the sponsor and reports how many changed
func (r *AdRepositoryImpl) PauseActiveBySponsor(ctx context.Context, sponsorID uint) (int64, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.Ad{}).
		Where("sponsor_id = ? AND status = ?", sponsorID, models.AdStatusActive).
		Updates(map[string]any{
			"status":     models.AdStatusPaused,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to pause sponsor ads: %w", res.Error)
	}
	return res.RowsAffected, nil
}
