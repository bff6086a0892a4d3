package businessflow

import (
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
)

const (
	testSubscriber = "989121234567"
	testAPIDomain  = "https://api.kusanagi.test"
)

var testEpoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	db        *memDB
	clock     *fakeClock
	sessions  *memSessionRepo
	ads       *memAdRepo
	sponsors  *memSponsorRepo
	ledger    *memSponsorTxRepo
	rewards   *memRewardRepo
	audits    *memAuditRepo
	sms       *services.MockSMSService
	retries   *fakeRetryQueue
	rotator   *AdRotatorImpl
	engine    *SettlementEngineImpl
	flow      *WatchLinkFlowImpl
	ops       *WatchLinkOpsFlowImpl
	sponsor   *models.Sponsor
	adsByName map[string]*models.Ad
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newMemDB()
	env := &testEnv{
		db:        db,
		clock:     newFakeClock(testEpoch),
		sessions:  newMemSessionRepo(db),
		ads:       newMemAdRepo(db),
		sponsors:  newMemSponsorRepo(db),
		ledger:    newMemSponsorTxRepo(db),
		rewards:   newMemRewardRepo(db),
		audits:    newMemAuditRepo(db),
		sms:       services.NewMockSMSService(),
		retries:   &fakeRetryQueue{},
		adsByName: map[string]*models.Ad{},
	}

	rotator := NewAdRotator(env.ads, NewMemoryRotationStore(time.Hour), "test")
	rotator.now = env.clock.Now
	env.rotator = rotator

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	tx := &memTransactor{db: db}
	env.engine = NewSettlementEngine(tx, env.sessions, env.ads, env.sponsors, env.ledger, env.rewards, env.audits, node, 1, nil)
	env.engine.now = env.clock.Now

	credentials, err := NewCredentialRotator("test-credential-secret")
	require.NoError(t, err)
	machine := NewSessionMachine(NewFraudDetector(nil), credentials)

	env.flow = NewWatchLinkFlow(
		env.sessions,
		env.ads,
		env.audits,
		rotator,
		machine,
		env.engine,
		env.retries,
		services.NewNotificationService(env.sms, ""),
		services.NewCDNVideoLocator("https://cdn.kusanagi.test", "/ads/default.mp4"),
		NewKeyedMutex(),
		config.WatchLinkConfig{SessionTTL: 3 * time.Hour, APIDomain: testAPIDomain, DayLocation: "UTC"},
		"test",
		nil,
	)
	env.flow.now = env.clock.Now

	env.ops = NewWatchLinkOpsFlow(env.sessions, env.audits, env.engine).(*WatchLinkOpsFlowImpl)
	env.ops.now = env.clock.Now

	return env
}

// withSponsor stores a sponsor holding budget
func (e *testEnv) withSponsor(t *testing.T, budget int64) *models.Sponsor {
	t.Helper()
	s := &models.Sponsor{Name: "Acme", TotalBudget: budget, RemainingBudget: budget, Status: models.SponsorStatusActive}
	require.NoError(t, e.sponsors.Save(t.Context(), s))
	e.sponsor = s
	return s
}

// withAd stores an active ad of the current sponsor
func (e *testEnv) withAd(t *testing.T, name string, cost, allocation int64) *models.Ad {
	t.Helper()
	require.NotNil(t, e.sponsor, "create a sponsor first")
	path := "ads/" + name + ".mp4"
	ad := &models.Ad{
		SponsorID:        e.sponsor.ID,
		CampaignName:     "campaign-" + name,
		Title:            "Ad " + name,
		CostPerView:      cost,
		BudgetAllocation: allocation,
		RemainingBudget:  allocation,
		VideoFilePath:    &path,
		StartDate:        testEpoch.Add(-24 * time.Hour),
		EndDate:          testEpoch.Add(30 * 24 * time.Hour),
		Status:           models.AdStatusActive,
		CreatedAt:        testEpoch.Add(time.Duration(len(e.adsByName)) * time.Minute),
	}
	require.NoError(t, e.ads.Save(t.Context(), ad))
	e.adsByName[name] = ad
	return ad
}

func (e *testEnv) session(t *testing.T, token string) *models.WatchSession {
	t.Helper()
	s, err := e.sessions.ByToken(t.Context(), token)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func (e *testEnv) currentSponsor(t *testing.T) *models.Sponsor {
	t.Helper()
	s, err := e.sponsors.ByID(t.Context(), e.sponsor.ID)
	require.NoError(t, err)
	return s
}

type envelopeOpts struct {
	subscriber string
	ip         string
	userAgent  string
	deviceID   string
}

func defaultEnvelope() envelopeOpts {
	return envelopeOpts{
		subscriber: testSubscriber,
		ip:         "10.0.0.1",
		userAgent:  "Mozilla/5.0 (Linux; Android 14)",
		deviceID:   "device-1",
	}
}

func encodeTestEnvelope(t *testing.T, o envelopeOpts) string {
	t.Helper()
	raw, err := EncodeEnvelope(map[string]any{
		EnvelopeKeySubscriber: o.subscriber,
		EnvelopeKeyIP:         o.ip,
		EnvelopeKeyUserAgent:  o.userAgent,
		EnvelopeKeyDevice:     map[string]any{"deviceId": o.deviceID, "model": "Pixel 8"},
		EnvelopeKeyLocation:   map[string]any{"lat": 35.7, "lng": 51.4},
	})
	require.NoError(t, err)
	return raw
}
