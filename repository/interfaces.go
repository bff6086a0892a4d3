// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/amirphl/Kusanagi/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// Transactor runs fn inside one database transaction; repositories called with
// the ctx passed to fn join that transaction
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(context.Context) error) error
}

// SessionGuard is the pre-state a transition write is conditioned on
type SessionGuard struct {
	Status     models.WatchSessionStatus
	Credential *string

	// NotExpiredAt, when set, also requires expires_at to be after this instant
	NotExpiredAt time.Time
}

// SessionChange is the set of columns a transition writes
type SessionChange struct {
	Status      models.WatchSessionStatus
	Credential  *string
	Fingerprint *models.Fingerprint
	AppendFlags []models.FraudFlag
	OpenedAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// WatchSessionRepository defines operations for watch sessions
type WatchSessionRepository interface {
	Repository[models.WatchSession, models.WatchSessionFilter]
	ByToken(ctx context.Context, token string) (*models.WatchSession, error)
	ByTokenForUpdate(ctx context.Context, token string) (*models.WatchSession, error)
	LatestActiveForSubscriber(ctx context.Context, subscriberID string, since, now time.Time) (*models.WatchSession, error)
	ApplyTransition(ctx context.Context, token string, guard SessionGuard, change SessionChange) error
	AppendFraudFlags(ctx context.Context, token string, flags []models.FraudFlag) error
	MarkSettled(ctx context.Context, token, rewardRef, settlementRef string) error
	ArchiveExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	PurgeArchived(ctx context.Context, before time.Time, limit int) (int64, error)
	ListFlagged(ctx context.Context, from, to time.Time, limit int) ([]*models.WatchSession, error)
}

// AdRepository defines operations for ads
type AdRepository interface {
	Repository[models.Ad, models.AdFilter]
	ListEligible(ctx context.Context, now time.Time) ([]*models.Ad, error)
	ByIDForUpdate(ctx context.Context, id uint) (*models.Ad, error)
	UpdateRemainingBudget(ctx context.Context, id uint, remaining int64, status models.AdStatus) error
	PauseActiveBySponsor(ctx context.Context, sponsorID uint) (int64, error)
}

// SponsorRepository defines operations for the sponsor ledger
type SponsorRepository interface {
	Repository[models.Sponsor, models.SponsorFilter]
	ByIDForUpdate(ctx context.Context, id uint) (*models.Sponsor, error)
	UpdateRemainingBudget(ctx context.Context, id uint, remaining int64) error
}

// SponsorTransactionRepository defines operations for sponsor ledger entries
type SponsorTransactionRepository interface {
	Repository[models.SponsorTransaction, models.SponsorTransactionFilter]
	ByReference(ctx context.Context, txType models.SponsorTransactionType, reference string) (*models.SponsorTransaction, error)
}

// RewardRepository defines operations for rewards
type RewardRepository interface {
	Repository[models.Reward, models.RewardFilter]
	ByToken(ctx context.Context, token string) (*models.Reward, error)
}

// AuditLogRepository defines operations for audit logs
type AuditLogRepository interface {
	Repository[models.AuditLog, models.AuditLogFilter]
	ListByToken(ctx context.Context, token string, limit, offset int) ([]*models.AuditLog, error)
	ListByAction(ctx context.Context, action string, limit, offset int) ([]*models.AuditLog, error)
}
