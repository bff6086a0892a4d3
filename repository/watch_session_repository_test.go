package repository

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/models"
	testutil "github.com/amirphl/Kusanagi/testing"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepoDB(t *testing.T) (*testutil.TestDB, *testutil.TestFixtures) {
	t.Helper()
	if testing.Short() || !testutil.GetTestDBConfig().Available() {
		t.Skip("PostgreSQL not available")
	}
	tdb, err := testutil.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.TeardownTestDB() })
	return tdb, testutil.NewTestFixtures(tdb)
}

func TestWatchSessionRepositoryApplyTransition(t *testing.T) {
	tdb, fx := setupRepoDB(t)
	ctx := context.Background()
	repo := NewWatchSessionRepository(tdb.DB)

	sponsor, err := fx.CreateTestSponsor(100)
	require.NoError(t, err)
	ad, err := fx.CreateTestAd(sponsor.ID, 1, 50)
	require.NoError(t, err)
	session, err := fx.CreateTestWatchSession(ad, testutil.RandomSubscriberID(), models.WatchSessionStatusPending, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	now := utils.UTCNow()
	next := "next-credential"
	flag := models.FraudFlag{Reason: models.FraudReasonIPMismatch, Phase: "open", At: now}

	err = repo.ApplyTransition(ctx, session.Token,
		SessionGuard{Status: models.WatchSessionStatusPending, Credential: session.Credential, NotExpiredAt: now},
		SessionChange{
			Status:      models.WatchSessionStatusOpened,
			Credential:  &next,
			Fingerprint: &models.Fingerprint{IP: "203.0.113.9", CapturedAt: &now},
			AppendFlags: []models.FraudFlag{flag},
			OpenedAt:    &now,
		})
	require.NoError(t, err)

	// the old credential no longer matches
	err = repo.ApplyTransition(ctx, session.Token,
		SessionGuard{Status: models.WatchSessionStatusOpened, Credential: session.Credential},
		SessionChange{Status: models.WatchSessionStatusStarted})
	assert.ErrorIs(t, err, ErrConditionalUpdateFailed)

	stored, err := repo.ByToken(ctx, session.Token)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.WatchSessionStatusOpened, stored.Status)
	assert.Equal(t, next, *stored.Credential)
	assert.Equal(t, "203.0.113.9", stored.Fingerprint.Data().IP)
	require.Len(t, stored.FraudFlags, 1)
	assert.Equal(t, models.FraudReasonIPMismatch, stored.FraudFlags[0].Reason)

	require.NoError(t, repo.AppendFraudFlags(ctx, session.Token, []models.FraudFlag{{Reason: models.FraudReasonDeviceChange, At: now}}))
	stored, err = repo.ByToken(ctx, session.Token)
	require.NoError(t, err)
	assert.Len(t, stored.FraudFlags, 2)

	flagged, err := repo.ListFlagged(ctx, now.Add(-time.Hour), now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, session.Token, flagged[0].Token)
}

func TestWatchSessionRepositoryMarkSettledOnce(t *testing.T) {
	tdb, fx := setupRepoDB(t)
	ctx := context.Background()
	repo := NewWatchSessionRepository(tdb.DB)

	sponsor, err := fx.CreateTestSponsor(100)
	require.NoError(t, err)
	ad, err := fx.CreateTestAd(sponsor.ID, 1, 50)
	require.NoError(t, err)
	session, err := fx.CreateTestWatchSession(ad, testutil.RandomSubscriberID(), models.WatchSessionStatusCompleted, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, repo.MarkSettled(ctx, session.Token, "OFFER-1", "ref-1"))
	assert.ErrorIs(t, repo.MarkSettled(ctx, session.Token, "OFFER-2", "ref-2"), ErrConditionalUpdateFailed)

	stored, err := repo.ByToken(ctx, session.Token)
	require.NoError(t, err)
	assert.True(t, stored.IsSettled())
	assert.Equal(t, "ref-1", *stored.SettlementRef)
}

func TestWatchSessionRepositoryArchiveAndPurge(t *testing.T) {
	tdb, fx := setupRepoDB(t)
	ctx := context.Background()
	repo := NewWatchSessionRepository(tdb.DB)

	sponsor, err := fx.CreateTestSponsor(100)
	require.NoError(t, err)
	ad, err := fx.CreateTestAd(sponsor.ID, 1, 50)
	require.NoError(t, err)

	now := time.Now().UTC()
	subscriber := testutil.RandomSubscriberID()
	stale, err := fx.CreateTestWatchSession(ad, subscriber, models.WatchSessionStatusOpened, now.Add(-time.Minute))
	require.NoError(t, err)
	live, err := fx.CreateTestWatchSession(ad, subscriber, models.WatchSessionStatusPending, now.Add(time.Hour))
	require.NoError(t, err)
	done, err := fx.CreateTestWatchSession(ad, subscriber, models.WatchSessionStatusCompleted, now.Add(-time.Minute))
	require.NoError(t, err)

	active, err := repo.LatestActiveForSubscriber(ctx, subscriber, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, live.Token, active.Token)

	archived, err := repo.ArchiveExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), archived)

	stored, err := repo.ByToken(ctx, stale.Token)
	require.NoError(t, err)
	assert.Equal(t, models.WatchSessionStatusExpired, stored.Status)
	assert.NotNil(t, stored.ArchivedAt)

	stored, err = repo.ByToken(ctx, done.Token)
	require.NoError(t, err)
	assert.Equal(t, models.WatchSessionStatusCompleted, stored.Status)

	purged, err := repo.PurgeArchived(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	stored, err = repo.ByToken(ctx, stale.Token)
	require.NoError(t, err)
	assert.Nil(t, stored)
}
