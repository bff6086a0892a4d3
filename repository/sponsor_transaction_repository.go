package repository

import (
	"context"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
)

// SponsorTransactionRepositoryImpl implements SponsorTransactionRepository
type SponsorTransactionRepositoryImpl struct {
	*BaseRepository[models.SponsorTransaction, models.SponsorTransactionFilter]
}

func NewSponsorTransactionRepository(db *gorm.DB) SponsorTransactionRepository {
	return &SponsorTransactionRepositoryImpl{
		BaseRepository: NewBaseRepository[models.SponsorTransaction, models.SponsorTransactionFilter](db),
	}
}

func (r *SponsorTransactionRepositoryImpl) applyFilter(db *gorm.DB, f models.SponsorTransactionFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.SponsorID != nil {
		db = db.Where("sponsor_id = ?", *f.SponsorID)
	}
	if f.Type != nil {
		db = db.Where("type = ?", *f.Type)
	}
	if f.Reference != nil {
		db = db.Where("reference = ?", *f.Reference)
	}
	return db
}

func (r *SponsorTransactionRepositoryImpl) ByFilter(ctx context.Context, filter models.SponsorTransactionFilter, orderBy string, limit, offset int) ([]*models.SponsorTransaction, error) {
	return r.findPage(ctx, func(db *gorm.DB) *gorm.DB { return r.applyFilter(db, filter) }, orderBy, limit, offset)
}

func (r *SponsorTransactionRepositoryImpl) Count(ctx context.Context, filter models.SponsorTransactionFilter) (int64, error) {
	return r.countWhere(ctx, func(db *gorm.DB) *gorm.DB { return r.applyFilter(db, filter) })
}

func (r *SponsorTransactionRepositoryImpl) Exists(ctx context.Context, filter models.SponsorTransactionFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

func (r *SponsorTransactionRepositoryImpl) ByReference(ctx context.Context, txType models.SponsorTransactionType, reference string) (*models.SponsorTransaction, error) {
	rows, err := r.ByFilter(ctx, models.SponsorTransactionFilter{Type: &txType, Reference: &reference}, "id DESC", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
