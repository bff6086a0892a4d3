package businessflow

import (
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type fixedRotator struct{ next string }

func (r fixedRotator) Rotate(*models.WatchSession, time.Time) (string, error) { return r.next, nil }

func machineEnvelope(subscriber, ip string) *EnvelopePayload {
	return &EnvelopePayload{
		SubscriberID: subscriber,
		IP:           ip,
		UserAgent:    "UA",
		DeviceInfo:   map[string]any{"deviceId": "dev-1"},
		Location:     map[string]any{"lat": 1.0},
	}
}

func TestSessionMachineTransitions(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	captured := now.Add(-time.Minute)
	machine := NewSessionMachine(nil, fixedRotator{next: "cred-next"})

	base := func(status models.WatchSessionStatus, credential *string) models.WatchSession {
		s := models.WatchSession{
			ID:           1,
			Token:        "tok",
			SubscriberID: "989121234567",
			Status:       status,
			Credential:   credential,
			CreatedAt:    now.Add(-time.Hour),
			ExpiresAt:    now.Add(2 * time.Hour),
		}
		if credential != nil {
			s.Fingerprint = datatypes.NewJSONType(models.Fingerprint{
				IP: "1.1.1.1", UserAgent: "UA", Device: map[string]any{"deviceId": "dev-1"}, CapturedAt: &captured,
			})
		}
		return s
	}
	cred := utils.ToPtr("cred-1")
	env := machineEnvelope("989121234567", "1.1.1.1")

	tests := []struct {
		name     string
		snapshot models.WatchSession
		event    Event
		wantErr  error
		wantCode string
		wantNext models.WatchSessionStatus
		audits   []string
	}{
		{name: "open pending", snapshot: base(models.WatchSessionStatusPending, nil), event: Event{Kind: EventOpen, Envelope: env}, wantNext: models.WatchSessionStatusOpened, audits: []string{models.AuditActionOpened}},
		{name: "reopen rotates", snapshot: base(models.WatchSessionStatusOpened, cred), event: Event{Kind: EventOpen, Envelope: env}, wantNext: models.WatchSessionStatusOpened, audits: []string{models.AuditActionOpened}},
		{name: "open started is illegal", snapshot: base(models.WatchSessionStatusStarted, cred), event: Event{Kind: EventOpen, Envelope: env}, wantErr: ErrIllegalPhase, wantCode: "ILLEGAL_PHASE"},
		{name: "open completed is gone", snapshot: base(models.WatchSessionStatusCompleted, cred), event: Event{Kind: EventOpen, Envelope: env}, wantErr: ErrSessionCompleted, wantCode: "SESSION_COMPLETED"},
		{name: "missing envelope", snapshot: base(models.WatchSessionStatusPending, nil), event: Event{Kind: EventOpen}, wantErr: ErrMissingEnvelope, wantCode: "MISSING_ENVELOPE"},
		{name: "start opened", snapshot: base(models.WatchSessionStatusOpened, cred), event: Event{Kind: EventStart, Envelope: env, Credential: "cred-1"}, wantNext: models.WatchSessionStatusStarted, audits: []string{models.AuditActionStarted}},
		{name: "start with stale credential", snapshot: base(models.WatchSessionStatusOpened, cred), event: Event{Kind: EventStart, Envelope: env, Credential: "old"}, wantErr: ErrCredentialMismatch, wantCode: "CREDENTIAL_MISMATCH", audits: []string{models.AuditActionCredentialRejected}},
		{name: "start pending without credential", snapshot: base(models.WatchSessionStatusPending, nil), event: Event{Kind: EventStart, Envelope: env, Credential: "x"}, wantErr: ErrCredentialMismatch, wantCode: "CREDENTIAL_MISMATCH", audits: []string{models.AuditActionCredentialRejected}},
		{name: "start twice", snapshot: base(models.WatchSessionStatusStarted, cred), event: Event{Kind: EventStart, Envelope: env, Credential: "cred-1"}, wantErr: ErrIllegalPhase, wantCode: "ILLEGAL_PHASE"},
		{name: "complete started", snapshot: base(models.WatchSessionStatusStarted, cred), event: Event{Kind: EventComplete, Envelope: env, Credential: "cred-1"}, wantNext: models.WatchSessionStatusCompleted, audits: []string{models.AuditActionCompleted}},
		{name: "complete without start", snapshot: base(models.WatchSessionStatusOpened, cred), event: Event{Kind: EventComplete, Envelope: env, Credential: "cred-1"}, wantErr: ErrCompletionWithoutStart, wantCode: "COMPLETION_WITHOUT_START", audits: []string{models.AuditActionCompletionWithoutStart}},
		{name: "complete twice", snapshot: base(models.WatchSessionStatusCompleted, cred), event: Event{Kind: EventComplete, Envelope: env, Credential: "cred-1"}, wantErr: ErrIllegalPhase, wantCode: "ILLEGAL_PHASE"},
		{name: "subscriber mismatch", snapshot: base(models.WatchSessionStatusOpened, cred), event: Event{Kind: EventStart, Envelope: machineEnvelope("989000000000", "1.1.1.1"), Credential: "cred-1"}, wantErr: ErrSubscriberMismatch, wantCode: "SUBSCRIBER_MISMATCH", audits: []string{models.AuditActionFraudFlagged}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := machine.Transition(tt.snapshot, tt.event, now)

			actions := make([]string, 0, len(out.Audits))
			for _, a := range out.Audits {
				actions = append(actions, a.Action)
			}
			if tt.audits == nil {
				tt.audits = []string{}
			}
			assert.Equal(t, tt.audits, actions)

			if tt.wantErr != nil {
				assert.False(t, out.Accepted())
				assert.ErrorIs(t, out.Err, tt.wantErr)
				assert.Equal(t, tt.wantCode, ErrorCode(out.Err))
				assert.Empty(t, out.Change.Status)
				assert.Empty(t, out.Credential)
				return
			}

			require.True(t, out.Accepted(), "unexpected error: %v", out.Err)
			assert.Equal(t, tt.wantNext, out.Next.Status)
			assert.Equal(t, tt.wantNext, out.Change.Status)
			assert.Equal(t, "cred-next", out.Credential)
			assert.Equal(t, tt.snapshot.Status, out.Guard.Status)
			assert.Equal(t, tt.snapshot.Credential, out.Guard.Credential)
			assert.Equal(t, now, out.Guard.NotExpiredAt)
			assert.True(t, out.Next.Fingerprint.Data().Captured())
		})
	}
}

func TestSessionMachineExpiry(t *testing.T) {
	created := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	machine := NewSessionMachine(nil, fixedRotator{next: "c"})
	s := models.WatchSession{
		Token:        "tok",
		SubscriberID: "989121234567",
		Status:       models.WatchSessionStatusPending,
		CreatedAt:    created,
		ExpiresAt:    created.Add(3 * time.Hour),
	}
	env := machineEnvelope("989121234567", "1.1.1.1")

	out := machine.Transition(s, Event{Kind: EventOpen, Envelope: env}, created.Add(2*time.Hour))
	assert.True(t, out.Accepted())

	out = machine.Transition(s, Event{Kind: EventOpen, Envelope: env}, created.Add(4*time.Hour))
	assert.ErrorIs(t, out.Err, ErrSessionExpired)
	assert.True(t, IsGone(out.Err))

	// an expired session is reported as expired before the credential is checked
	s.Status = models.WatchSessionStatusStarted
	out = machine.Transition(s, Event{Kind: EventComplete, Envelope: env, Credential: "wrong"}, created.Add(4*time.Hour))
	assert.ErrorIs(t, out.Err, ErrSessionExpired)

	completedAt := created.Add(time.Hour)
	s.Status = models.WatchSessionStatusCompleted
	s.CompletedAt = &completedAt
	assert.Equal(t, models.WatchSessionStatusCompleted, s.EffectiveStatus(created.Add(10*time.Hour)))
}

func TestSessionMachineFirstOpenStampsOpenedAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	machine := NewSessionMachine(nil, fixedRotator{next: "c"})
	s := models.WatchSession{Token: "t", SubscriberID: "1", Status: models.WatchSessionStatusPending, ExpiresAt: now.Add(time.Hour)}

	out := machine.Transition(s, Event{Kind: EventOpen, Envelope: machineEnvelope("1", "ip")}, now)
	require.True(t, out.Accepted())
	require.NotNil(t, out.Change.OpenedAt)
	assert.Equal(t, now, *out.Change.OpenedAt)

	reopened := out.Next
	out = machine.Transition(reopened, Event{Kind: EventOpen, Envelope: machineEnvelope("1", "ip")}, now.Add(time.Minute))
	require.True(t, out.Accepted())
	assert.Nil(t, out.Change.OpenedAt)
	assert.Equal(t, now, *out.Next.OpenedAt)
}

func TestSessionMachineFraudPolicy(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	captured := now.Add(-time.Minute)
	s := models.WatchSession{
		Token:        "t",
		SubscriberID: "1",
		Status:       models.WatchSessionStatusOpened,
		Credential:   utils.ToPtr("c1"),
		ExpiresAt:    now.Add(time.Hour),
		Fingerprint: datatypes.NewJSONType(models.Fingerprint{
			IP: "1.1.1.1", UserAgent: "UA", Device: map[string]any{"deviceId": "dev-1"}, CapturedAt: &captured,
		}),
	}
	ev := Event{Kind: EventStart, Envelope: machineEnvelope("1", "2.2.2.2"), Credential: "c1"}

	t.Run("non blocking flags are carried by the transition", func(t *testing.T) {
		out := NewSessionMachine(nil, fixedRotator{next: "c2"}).Transition(s, ev, now)
		require.True(t, out.Accepted())
		assert.Equal(t, []string{models.FraudReasonIPMismatch}, flagReasons(out.Change.AppendFlags))
		assert.Len(t, out.Next.FraudFlags, 1)
		assert.Empty(t, out.PersistFlags)
		require.Len(t, out.Audits, 2)
		assert.Equal(t, models.AuditActionFraudFlagged, out.Audits[1].Action)
	})

	t.Run("blocking flags reject and persist", func(t *testing.T) {
		policy, err := NewFraudPolicy([]string{models.FraudReasonIPMismatch}, "")
		require.NoError(t, err)
		out := NewSessionMachine(NewFraudDetector(policy), fixedRotator{next: "c2"}).Transition(s, ev, now)
		assert.ErrorIs(t, out.Err, ErrFraudBlocked)
		assert.True(t, IsForbidden(out.Err))
		assert.Equal(t, []string{models.FraudReasonIPMismatch}, flagReasons(out.PersistFlags))
	})
}
