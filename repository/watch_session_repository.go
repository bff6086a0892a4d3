package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WatchSessionRepositoryImpl implements WatchSessionRepository
type WatchSessionRepositoryImpl struct {
	*BaseRepository[models.WatchSession, models.WatchSessionFilter]
}

// NewWatchSessionRepository creates a new watch session repository
func NewWatchSessionRepository(db *gorm.DB) WatchSessionRepository {
	return &WatchSessionRepositoryImpl{
		BaseRepository: NewBaseRepository[models.WatchSession, models.WatchSessionFilter](db),
	}
}

func (r *WatchSessionRepositoryImpl) applyFilter(db *gorm.DB, f models.WatchSessionFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.Token != nil {
		db = db.Where("token = ?", *f.Token)
	}
	if f.SubscriberID != nil {
		db = db.Where("subscriber_id = ?", *f.SubscriberID)
	}
	if f.AdID != nil {
		db = db.Where("ad_id = ?", *f.AdID)
	}
	if f.SponsorID != nil {
		db = db.Where("sponsor_id = ?", *f.SponsorID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if len(f.Statuses) > 0 {
		db = db.Where("status IN ?", f.Statuses)
	}
	if f.Flagged != nil {
		if *f.Flagged {
			db = db.Where("jsonb_array_length(fraud_flags) > 0")
		} else {
			db = db.Where("jsonb_array_length(fraud_flags) = 0")
		}
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	if f.ExpiresBefore != nil {
		db = db.Where("expires_at <= ?", *f.ExpiresBefore)
	}
	return db
}

func (r *WatchSessionRepositoryImpl) ByFilter(ctx context.Context, filter models.WatchSessionFilter, orderBy string, limit, offset int) ([]*models.WatchSession, error) {
	return r.findPage(ctx, func(db *gorm.DB) *gorm.DB { return r.applyFilter(db, filter) }, orderBy, limit, offset)
}

func (r *WatchSessionRepositoryImpl) Count(ctx context.Context, filter models.WatchSessionFilter) (int64, error) {
	return r.countWhere(ctx, func(db *gorm.DB) *gorm.DB { return r.applyFilter(db, filter) })
}

func (r *WatchSessionRepositoryImpl) Exists(ctx context.Context, filter models.WatchSessionFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// ByToken retrieves a session by its external token
func (r *WatchSessionRepositoryImpl) ByToken(ctx context.Context, token string) (*models.WatchSession, error) {
	return r.byToken(r.getDB(ctx), token)
}

// ByTokenForUpdate retrieves a session and row-locks it for the surrounding transaction
func (r *WatchSessionRepositoryImpl) ByTokenForUpdate(ctx context.Context, token string) (*models.WatchSession, error) {
	return r.byToken(lockForUpdate(r.getDB(ctx)), token)
}

func (r *WatchSessionRepositoryImpl) byToken(db *gorm.DB, token string) (*models.WatchSession, error) {
	var row models.WatchSession
	if err := db.Where("token = ?", token).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find watch session by token: %w", err)
	}
	return &row, nil
}

// LatestActiveForSubscriber returns the newest unexpired session of the subscriber
// in pending, opened or started that was created at or after since
func (r *WatchSessionRepositoryImpl) LatestActiveForSubscriber(ctx context.Context, subscriberID string, since, now time.Time) (*models.WatchSession, error) {
	db := r.getDB(ctx)

	var row models.WatchSession
	err := db.Where("subscriber_id = ?", subscriberID).
		Where("status IN ?", []models.WatchSessionStatus{
			models.WatchSessionStatusPending,
			models.WatchSessionStatusOpened,
			models.WatchSessionStatusStarted,
		}).
		Where("created_at >= ?", since).
		Where("expires_at > ?", now).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active watch session: %w", err)
	}
	return &row, nil
}

// ApplyTransition writes change only if the stored row still matches guard
func (r *WatchSessionRepositoryImpl) ApplyTransition(ctx context.Context, token string, guard SessionGuard, change SessionChange) error {
	db := r.getDB(ctx)

	query := db.Model(&models.WatchSession{}).
		Where("token = ?", token).
		Where("status = ?", guard.Status)
	if guard.Credential == nil {
		query = query.Where("credential IS NULL")
	} else {
		query = query.Where("credential = ?", *guard.Credential)
	}
	if !guard.NotExpiredAt.IsZero() {
		query = query.Where("expires_at > ?", guard.NotExpiredAt)
	}

	updates := map[string]any{
		"status":     change.Status,
		"updated_at": time.Now().UTC(),
	}
	if change.Credential != nil {
		updates["credential"] = *change.Credential
	}
	if change.Fingerprint != nil {
		updates["fingerprint"] = datatypes.NewJSONType(*change.Fingerprint)
	}
	if len(change.AppendFlags) > 0 {
		expr, err := appendFlagsExpr(change.AppendFlags)
		if err != nil {
			return err
		}
		updates["fraud_flags"] = expr
	}
	if change.OpenedAt != nil {
		updates["opened_at"] = *change.OpenedAt
	}
	if change.StartedAt != nil {
		updates["started_at"] = *change.StartedAt
	}
	if change.CompletedAt != nil {
		updates["completed_at"] = *change.CompletedAt
	}

	res := query.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to apply watch session transition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConditionalUpdateFailed
	}
	return nil
}

// AppendFraudFlags appends flags without touching status or credential
func (r *WatchSessionRepositoryImpl) AppendFraudFlags(ctx context.Context, token string, flags []models.FraudFlag) error {
	if len(flags) == 0 {
		return nil
	}
	expr, err := appendFlagsExpr(flags)
	if err != nil {
		return err
	}
	db := r.getDB(ctx)
	res := db.Model(&models.WatchSession{}).
		Where("token = ?", token).
		Updates(map[string]any{"fraud_flags": expr, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to append fraud flags: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConditionalUpdateFailed
	}
	return nil
}

// MarkSettled records settlement references once; a second call matches no row
func (r *WatchSessionRepositoryImpl) MarkSettled(ctx context.Context, token, rewardRef, settlementRef string) error {
	db := r.getDB(ctx)
	res := db.Model(&models.WatchSession{}).
		Where("token = ? AND settlement_ref IS NULL", token).
		Where("status = ?", models.WatchSessionStatusCompleted).
		Updates(map[string]any{
			"reward_ref":     rewardRef,
			"settlement_ref": settlementRef,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark watch session settled: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConditionalUpdateFailed
	}
	return nil
}

// ArchiveExpired moves unfinished sessions past their deadline to expired
func (r *WatchSessionRepositoryImpl) ArchiveExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	db := r.getDB(ctx)

	candidates := db.Model(&models.WatchSession{}).
		Select("id").
		Where("status IN ?", []models.WatchSessionStatus{
			models.WatchSessionStatusPending,
			models.WatchSessionStatusOpened,
			models.WatchSessionStatusStarted,
		}).
		Where("expires_at <= ?", now).
		Order("expires_at ASC")
	if limit > 0 {
		candidates = candidates.Limit(limit)
	}

	res := db.Model(&models.WatchSession{}).
		Where("id IN (?)", candidates).
		Updates(map[string]any{
			"status":      models.WatchSessionStatusExpired,
			"archived_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to archive expired watch sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeArchived deletes archived sessions archived before the cutoff
func (r *WatchSessionRepositoryImpl) PurgeArchived(ctx context.Context, before time.Time, limit int) (int64, error) {
	db := r.getDB(ctx)

	candidates := db.Model(&models.WatchSession{}).
		Select("id").
		Where("status = ?", models.WatchSessionStatusExpired).
		Where("archived_at IS NOT NULL AND archived_at < ?", before).
		Order("archived_at ASC")
	if limit > 0 {
		candidates = candidates.Limit(limit)
	}

	res := db.Where("id IN (?)", candidates).Delete(&models.WatchSession{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge archived watch sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListFlagged returns sessions carrying at least one fraud flag created in [from, to)
func (r *WatchSessionRepositoryImpl) ListFlagged(ctx context.Context, from, to time.Time, limit int) ([]*models.WatchSession, error) {
	flagged := true
	filter := models.WatchSessionFilter{
		Flagged:       &flagged,
		CreatedAfter:  &from,
		CreatedBefore: &to,
	}
	return r.ByFilter(ctx, filter, "created_at ASC, id ASC", limit, 0)
}

func appendFlagsExpr(flags []models.FraudFlag) (any, error) {
	payload, err := json.Marshal(flags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fraud flags: %w", err)
	}
	return gorm.Expr("fraud_flags || ?::jsonb", string(payload)), nil
}
