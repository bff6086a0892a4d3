package testing

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// RandomSubscriberID returns a random Iranian mobile number in international form
func RandomSubscriberID() string {
	return fmt.Sprintf("989%09d", rand.IntN(900000000)+100000000)
}

// CreateTestSponsor creates an active sponsor holding budget
func (tf *TestFixtures) CreateTestSponsor(budget int64) (*models.Sponsor, error) {
	email := fmt.Sprintf("sponsor.%s@example.com", uuid.NewString()[:8])
	sponsor := &models.Sponsor{
		Name:            "Test Sponsor",
		Email:           &email,
		TotalBudget:     budget,
		RemainingBudget: budget,
		Status:          models.SponsorStatusActive,
	}
	if err := tf.DB.DB.Create(sponsor).Error; err != nil {
		return nil, fmt.Errorf("failed to create test sponsor: %w", err)
	}
	return sponsor, nil
}

// CreateTestAd creates an active ad of sponsor running for a day around now
func (tf *TestFixtures) CreateTestAd(sponsorID uint, costPerView, budget int64) (*models.Ad, error) {
	now := time.Now().UTC()
	path := fmt.Sprintf("ads/%s.mp4", uuid.NewString())
	ad := &models.Ad{
		SponsorID:        sponsorID,
		CampaignName:     "Test Campaign",
		Title:            "Test Ad",
		CostPerView:      costPerView,
		BudgetAllocation: budget,
		RemainingBudget:  budget,
		VideoFilePath:    &path,
		StartDate:        now.Add(-12 * time.Hour),
		EndDate:          now.Add(12 * time.Hour),
		Status:           models.AdStatusActive,
	}
	if err := tf.DB.DB.Create(ad).Error; err != nil {
		return nil, fmt.Errorf("failed to create test ad: %w", err)
	}
	return ad, nil
}

// CreateTestWatchSession creates a session of ad in status expiring at expiresAt
func (tf *TestFixtures) CreateTestWatchSession(ad *models.Ad, subscriberID string, status models.WatchSessionStatus, expiresAt time.Time) (*models.WatchSession, error) {
	credential := uuid.NewString()
	session := &models.WatchSession{
		Token:        uuid.NewString(),
		SubscriberID: subscriberID,
		AdID:         ad.ID,
		SponsorID:    ad.SponsorID,
		Status:       status,
		Credential:   &credential,
		Fingerprint:  datatypes.NewJSONType(models.Fingerprint{}),
		FraudFlags:   datatypes.JSONSlice[models.FraudFlag]{},
		ExpiresAt:    expiresAt,
	}
	if err := tf.DB.DB.Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create test watch session: %w", err)
	}
	return session, nil
}

// CreateTestAuditLog creates an audit log entry for a session token
func (tf *TestFixtures) CreateTestAuditLog(token, action string, success bool) (*models.AuditLog, error) {
	description := fmt.Sprintf("Test audit log for %s", action)
	auditLog := &models.AuditLog{
		Token:       &token,
		Action:      action,
		Description: &description,
		Success:     &success,
	}
	if err := tf.DB.DB.Create(auditLog).Error; err != nil {
		return nil, fmt.Errorf("failed to create test audit log: %w", err)
	}
	return auditLog, nil
}
