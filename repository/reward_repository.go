package repository

import (
	"context"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
)

// RewardRepositoryImpl implements RewardRepository
type RewardRepositoryImpl struct {
	*BaseRepository[models.Reward, models.RewardFilter]
}

func NewRewardRepository(db *gorm.DB) RewardRepository {
	return &RewardRepositoryImpl{BaseRepository: NewBaseRepository[models.Reward, models.RewardFilter](db)}
}

func (r *RewardRepositoryImpl) applyFilter(db *gorm.DB, f models.RewardFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.Token != nil {
		db = db.Where("token = ?", *f.Token)
	}
	if f.SubscriberID != nil {
		db = db.Where("subscriber_id = ?", *f.SubscriberID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	return db
}

func (r *RewardRepositoryImpl) ByFilter(ctx context.Context, filter models.RewardFilter, orderBy string, limit, offset int) ([]*models.Reward, error) {
	return r.findPage(ctx, func(db *gorm.DB) *gorm.DB { return r.applyFilter(db, filter) }, orderBy, limit, offset)
}

func (r *RewardRepositoryImpl) Count(ctx context.Context, filter models.RewardFilter) (int64, error) {
	return r.countWhere(ctx, func(db *gorm.DB) *gorm.DB { return r.applyFilter(db, filter) })
}

func (r *RewardRepositoryImpl) Exists(ctx context.Context, filter models.RewardFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

func (r *RewardRepositoryImpl) ByToken(ctx context.Context, token string) (*models.Reward, error) {
	rows, err := r.ByFilter(ctx, models.RewardFilter{Token: &token}, "id DESC", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
