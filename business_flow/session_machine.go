package businessflow

import (
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"gorm.io/datatypes"
)

// EventKind names a client phase call
type EventKind string

const (
	EventOpen     EventKind = "open"
	EventStart    EventKind = "start"
	EventComplete EventKind = "complete"
)

// Event is one phase call against a session
type Event struct {
	Kind       EventKind
	Envelope   *EnvelopePayload
	Credential string
}

// Outcome is the result of applying an event to a session snapshot.
// Nothing has been written when it is returned; the caller applies Guard and Change
// through a conditional write and then performs PersistFlags and Audits.
type Outcome struct {
	Err error

	Next       models.WatchSession
	Guard      repository.SessionGuard
	Change     repository.SessionChange
	Credential string

	// Raised holds flags raised by this call
	Raised []models.FraudFlag
	// PersistFlags are appended to the session even when Err is set
	PersistFlags []models.FraudFlag
	Audits       []auditEntry
}

// Accepted reports whether the transition may be written
func (o Outcome) Accepted() bool { return o.Err == nil }

// SessionMachine evaluates phase transitions on immutable session snapshots
type SessionMachine struct {
	detector *FraudDetector
	rotator  CredentialRotator
}

func NewSessionMachine(detector *FraudDetector, rotator CredentialRotator) *SessionMachine {
	if detector == nil {
		detector = NewFraudDetector(nil)
	}
	return &SessionMachine{detector: detector, rotator: rotator}
}

// Transition decides the next state of snapshot for ev at now
func (m *SessionMachine) Transition(snapshot models.WatchSession, ev Event, now time.Time) Outcome {
	phase := string(ev.Kind)

	if ev.Envelope == nil {
		return reject(NewBusinessError("MISSING_ENVELOPE", "Metadata envelope is required", ErrMissingEnvelope))
	}

	// lazy expiry; completed sessions never expire
	if snapshot.IsExpiredAt(now) {
		return reject(NewBusinessError("SESSION_EXPIRED", "Watch link has expired", ErrSessionExpired))
	}

	var to models.WatchSessionStatus
	switch ev.Kind {
	case EventOpen:
		switch snapshot.Status {
		case models.WatchSessionStatusPending, models.WatchSessionStatusOpened:
			to = models.WatchSessionStatusOpened
		case models.WatchSessionStatusCompleted:
			return reject(NewBusinessError("SESSION_COMPLETED", "Watch link already used", ErrSessionCompleted))
		default:
			return reject(NewBusinessErrorf("ILLEGAL_PHASE", "Cannot open a session in %s", ErrIllegalPhase, snapshot.Status))
		}

	case EventStart, EventComplete:
		if !CredentialMatches(snapshot.Credential, ev.Credential) {
			out := reject(NewBusinessError("CREDENTIAL_MISMATCH", "Invalid credential", ErrCredentialMismatch))
			out.Audits = []auditEntry{{
				Action:      models.AuditActionCredentialRejected,
				Description: fmt.Sprintf("Credential rejected on %s", phase),
				Success:     false,
				ErrorMsg:    ErrCredentialMismatch.Error(),
				Metadata:    map[string]any{"phase": phase, "status": snapshot.Status},
			}}
			return out
		}

		if ev.Kind == EventStart {
			if snapshot.Status != models.WatchSessionStatusPending && snapshot.Status != models.WatchSessionStatusOpened {
				return reject(NewBusinessErrorf("ILLEGAL_PHASE", "Cannot start a session in %s", ErrIllegalPhase, snapshot.Status))
			}
			to = models.WatchSessionStatusStarted
		} else {
			if snapshot.Status != models.WatchSessionStatusStarted {
				if snapshot.Status == models.WatchSessionStatusCompleted {
					return reject(NewBusinessError("ILLEGAL_PHASE", "Session already completed", ErrIllegalPhase))
				}
				out := reject(NewBusinessError("COMPLETION_WITHOUT_START", "Cannot complete a session that was not started", ErrCompletionWithoutStart))
				out.Audits = []auditEntry{{
					Action:      models.AuditActionCompletionWithoutStart,
					Description: fmt.Sprintf("Completion attempted while session is %s", snapshot.Status),
					Success:     false,
					ErrorMsg:    ErrCompletionWithoutStart.Error(),
					Metadata:    map[string]any{"phase": phase, "status": snapshot.Status},
				}}
				return out
			}
			to = models.WatchSessionStatusCompleted
		}

	default:
		return reject(fmt.Errorf("unknown event %q", ev.Kind))
	}

	current := ev.Envelope.Fingerprint(now)
	var prev *models.Fingerprint
	if fp := snapshot.Fingerprint.Data(); fp.Captured() {
		prev = &fp
	}
	subscriberMatch := ev.Envelope.SubscriberID == snapshot.SubscriberID
	flags := m.detector.Evaluate(prev, current, subscriberMatch, phase, now)

	if !subscriberMatch {
		out := reject(NewBusinessError("SUBSCRIBER_MISMATCH", "Envelope subscriber does not match the watch link", ErrSubscriberMismatch))
		out.Raised = flags
		out.PersistFlags = flags
		out.Audits = []auditEntry{fraudAudit(phase, flags, true)}
		return out
	}

	blocked, because, err := m.detector.Policy().Blocks(flags, phase)
	if err != nil {
		return reject(err)
	}
	if blocked {
		out := reject(NewBusinessErrorf("FRAUD_BLOCKED", "Blocked by fraud policy (%s)", ErrFraudBlocked, because))
		out.Raised = flags
		out.PersistFlags = flags
		out.Audits = []auditEntry{fraudAudit(phase, flags, true)}
		return out
	}

	credential, err := m.rotator.Rotate(&snapshot, now)
	if err != nil {
		return reject(fmt.Errorf("failed to rotate credential: %w", err))
	}

	at := now.UTC()
	change := repository.SessionChange{
		Status:      to,
		Credential:  &credential,
		Fingerprint: &current,
		AppendFlags: flags,
	}
	next := snapshot
	next.Status = to
	next.Credential = &credential
	next.Fingerprint = datatypes.NewJSONType(current)
	next.FraudFlags = append(append([]models.FraudFlag(nil), snapshot.FraudFlags...), flags...)

	var action string
	switch to {
	case models.WatchSessionStatusOpened:
		action = models.AuditActionOpened
		if snapshot.OpenedAt == nil {
			change.OpenedAt = &at
			next.OpenedAt = &at
		}
	case models.WatchSessionStatusStarted:
		action = models.AuditActionStarted
		change.StartedAt = &at
		next.StartedAt = &at
	case models.WatchSessionStatusCompleted:
		action = models.AuditActionCompleted
		change.CompletedAt = &at
		next.CompletedAt = &at
	}

	audits := []auditEntry{{
		Action:      action,
		Description: fmt.Sprintf("Watch session %s -> %s", snapshot.Status, to),
		Success:     true,
		Metadata: map[string]any{
			"phase":       phase,
			"ip":          current.IP,
			"user_agent":  current.UserAgent,
			"device":      current.Device,
			"location":    current.Location,
			"fraud_flags": flagReasons(flags),
		},
	}}
	if len(flags) > 0 {
		audits = append(audits, fraudAudit(phase, flags, false))
	}

	return Outcome{
		Next: next,
		Guard: repository.SessionGuard{
			Status:       snapshot.Status,
			Credential:   snapshot.Credential,
			NotExpiredAt: now,
		},
		Change:     change,
		Credential: credential,
		Raised:     flags,
		Audits:     audits,
	}
}

func reject(err error) Outcome {
	return Outcome{Err: err}
}

func fraudAudit(phase string, flags []models.FraudFlag, blocked bool) auditEntry {
	return auditEntry{
		Action:      models.AuditActionFraudFlagged,
		Description: fmt.Sprintf("Fraud flags raised on %s", phase),
		Success:     !blocked,
		Metadata: map[string]any{
			"phase":   phase,
			"flags":   flagReasons(flags),
			"blocked": blocked,
		},
	}
}
