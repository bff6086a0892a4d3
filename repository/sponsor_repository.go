package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
)

// SponsorRepositoryImpl implements SponsorRepository
type SponsorRepositoryImpl struct {
	*BaseRepository[models.Sponsor, models.SponsorFilter]
}

func NewSponsorRepository(db *gorm.DB) SponsorRepository {
	return &SponsorRepositoryImpl{BaseRepository: NewBaseRepository[models.Sponsor, models.SponsorFilter](db)}
}

func (r *SponsorRepositoryImpl) applyFilter(db *gorm.DB, f models.SponsorFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	return db
}

func (r *SponsorRepositoryImpl) ByFilter(ctx context.Context, filter models.SponsorFilter, orderBy string, limit, offset int) ([]*models.Sponsor, error) {
	return r.findPage(ctx, func(db *gorm.DB) *gorm.DB { return r.applyFilter(db, filter) }, orderBy, limit, offset)
}

func (r *SponsorRepositoryImpl) Count(ctx context.Context, filter models.SponsorFilter) (int64, error) {
	return r.countWhere(ctx, func(db *gorm.DB) *gorm.DB { return r.applyFilter(db, filter) })
}

func (r *SponsorRepositoryImpl) Exists(ctx context.Context, filter models.SponsorFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

func (r *SponsorRepositoryImpl) ByIDForUpdate(ctx context.Context, id uint) (*models.Sponsor, error) {
	db := lockForUpdate(r.getDB(ctx))
	var row models.Sponsor
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock sponsor %d: %w", id, err)
	}
	return &row, nil
}

func (r *SponsorRepositoryImpl) UpdateRemainingBudget(ctx context.Context, id uint, remaining int64) error {
	if remaining < 0 {
		return fmt.Errorf("refusing negative sponsor budget %d", remaining)
	}
	db := r.getDB(ctx)
	err := db.Model(&models.Sponsor{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"remaining_budget": remaining,
			"updated_at":       time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update sponsor budget: %w", err)
	}
	return nil
}
