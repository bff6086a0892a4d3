package businessflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errDuplicateKey = errors.New("duplicate key value violates unique constraint")

// memDB is an in-memory stand-in for the postgres schema used by business flow tests
type memDB struct {
	mu       sync.Mutex
	nextID   uint
	sessions []*models.WatchSession
	ads      []*models.Ad
	sponsors []*models.Sponsor
	ledger   []*models.SponsorTransaction
	rewards  []*models.Reward
	audits   []*models.AuditLog

	// fail injects an error into the named operation, e.g. "reward.Save"
	fail map[string]error
}

func newMemDB() *memDB {
	return &memDB{fail: map[string]error{}}
}

func (db *memDB) failing(op string) error {
	return db.fail[op]
}

type memSnapshot struct {
	nextID   uint
	sessions []*models.WatchSession
	ads      []*models.Ad
	sponsors []*models.Sponsor
	ledger   []*models.SponsorTransaction
	rewards  []*models.Reward
	audits   []*models.AuditLog
}

func cloneRows[T any](rows []*T) []*T {
	out := make([]*T, 0, len(rows))
	for _, r := range rows {
		c := *r
		out = append(out, &c)
	}
	return out
}

func (db *memDB) snapshot() memSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	return memSnapshot{
		nextID:   db.nextID,
		sessions: cloneRows(db.sessions),
		ads:      cloneRows(db.ads),
		sponsors: cloneRows(db.sponsors),
		ledger:   cloneRows(db.ledger),
		rewards:  cloneRows(db.rewards),
		audits:   cloneRows(db.audits),
	}
}

func (db *memDB) restore(s memSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextID = s.nextID
	db.sessions = s.sessions
	db.ads = s.ads
	db.sponsors = s.sponsors
	db.ledger = s.ledger
	db.rewards = s.rewards
	db.audits = s.audits
}

type memTxKey struct{}

// memTransactor serialises transactions and rolls the whole store back when fn fails
type memTransactor struct {
	db *memDB
	mu sync.Mutex
}

func (t *memTransactor) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.db.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		t.db.restore(snap)
		return err
	}
	return nil
}

type beforeCreater interface {
	BeforeCreate(tx *gorm.DB) error
}

// memTable implements the generic repository methods over one slice of memDB
type memTable[T any, F any] struct {
	db      *memDB
	name    string
	rows    func() *[]*T
	id      func(*T) *uint
	created func(*T) *time.Time
	match   func(*T, F) bool
	unique  func(a, b *T) bool
}

func (m *memTable[T, F]) ByID(ctx context.Context, id uint) (*T, error) {
	if err := m.db.failing(m.name + ".ByID"); err != nil {
		return nil, err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, r := range *m.rows() {
		if *m.id(r) == id {
			c := *r
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memTable[T, F]) ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*T
	for _, r := range *m.rows() {
		if m.match == nil || m.match(r, filter) {
			c := *r
			out = append(out, &c)
		}
	}
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTable[T, F]) Save(ctx context.Context, entity *T) error {
	if err := m.db.failing(m.name + ".Save"); err != nil {
		return err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	if h, ok := any(entity).(beforeCreater); ok {
		if err := h.BeforeCreate(nil); err != nil {
			return err
		}
	}
	if m.unique != nil {
		for _, r := range *m.rows() {
			if m.unique(r, entity) {
				return fmt.Errorf("failed to save entity: %w", errDuplicateKey)
			}
		}
	}
	m.db.nextID++
	*m.id(entity) = m.db.nextID
	if m.created != nil && m.created(entity).IsZero() {
		*m.created(entity) = time.Now().UTC()
	}
	c := *entity
	*m.rows() = append(*m.rows(), &c)
	return nil
}

func (m *memTable[T, F]) SaveBatch(ctx context.Context, entities []*T) error {
	for _, e := range entities {
		if err := m.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (m *memTable[T, F]) Count(ctx context.Context, filter F) (int64, error) {
	rows, err := m.ByFilter(ctx, filter, "", 0, 0)
	return int64(len(rows)), err
}

func (m *memTable[T, F]) Exists(ctx context.Context, filter F) (bool, error) {
	c, err := m.Count(ctx, filter)
	return c > 0, err
}

// find returns the stored row, not a copy; callers must hold db.mu
func (m *memTable[T, F]) find(pred func(*T) bool) *T {
	for _, r := range *m.rows() {
		if pred(r) {
			return r
		}
	}
	return nil
}

// ---- watch sessions ----

type memSessionRepo struct {
	*memTable[models.WatchSession, models.WatchSessionFilter]
}

func newMemSessionRepo(db *memDB) *memSessionRepo {
	return &memSessionRepo{&memTable[models.WatchSession, models.WatchSessionFilter]{
		db:      db,
		name:    "session",
		rows:    func() *[]*models.WatchSession { return &db.sessions },
		id:      func(s *models.WatchSession) *uint { return &s.ID },
		created: func(s *models.WatchSession) *time.Time { return &s.CreatedAt },
		unique:  func(a, b *models.WatchSession) bool { return a.Token == b.Token },
		match: func(s *models.WatchSession, f models.WatchSessionFilter) bool {
			if f.Token != nil && s.Token != *f.Token {
				return false
			}
			if f.SubscriberID != nil && s.SubscriberID != *f.SubscriberID {
				return false
			}
			if f.Status != nil && s.Status != *f.Status {
				return false
			}
			if f.Flagged != nil && (len(s.FraudFlags) > 0) != *f.Flagged {
				return false
			}
			if f.CreatedAfter != nil && s.CreatedAt.Before(*f.CreatedAfter) {
				return false
			}
			if f.CreatedBefore != nil && !s.CreatedAt.Before(*f.CreatedBefore) {
				return false
			}
			return true
		},
	}}
}

func (r *memSessionRepo) ByToken(ctx context.Context, token string) (*models.WatchSession, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if s := r.find(func(s *models.WatchSession) bool { return s.Token == token }); s != nil {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (r *memSessionRepo) ByTokenForUpdate(ctx context.Context, token string) (*models.WatchSession, error) {
	return r.ByToken(ctx, token)
}

func (r *memSessionRepo) LatestActiveForSubscriber(ctx context.Context, subscriberID string, since, now time.Time) (*models.WatchSession, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var best *models.WatchSession
	for _, s := range r.db.sessions {
		if s.SubscriberID != subscriberID || !s.Status.IsActive() {
			continue
		}
		if s.CreatedAt.Before(since) || !s.ExpiresAt.After(now) {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

func (r *memSessionRepo) ApplyTransition(ctx context.Context, token string, guard repository.SessionGuard, change repository.SessionChange) error {
	if err := r.db.failing("session.ApplyTransition"); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s := r.find(func(s *models.WatchSession) bool { return s.Token == token })
	if s == nil || s.Status != guard.Status {
		return repository.ErrConditionalUpdateFailed
	}
	if (guard.Credential == nil) != (s.Credential == nil) {
		return repository.ErrConditionalUpdateFailed
	}
	if guard.Credential != nil && *guard.Credential != *s.Credential {
		return repository.ErrConditionalUpdateFailed
	}
	if !guard.NotExpiredAt.IsZero() && !s.ExpiresAt.After(guard.NotExpiredAt) {
		return repository.ErrConditionalUpdateFailed
	}

	s.Status = change.Status
	if change.Credential != nil {
		s.Credential = change.Credential
	}
	if change.Fingerprint != nil {
		s.Fingerprint = datatypes.NewJSONType(*change.Fingerprint)
	}
	if len(change.AppendFlags) > 0 {
		s.FraudFlags = append(slices.Clone(s.FraudFlags), change.AppendFlags...)
	}
	if change.OpenedAt != nil {
		s.OpenedAt = change.OpenedAt
	}
	if change.StartedAt != nil {
		s.StartedAt = change.StartedAt
	}
	if change.CompletedAt != nil {
		s.CompletedAt = change.CompletedAt
	}
	return nil
}

func (r *memSessionRepo) AppendFraudFlags(ctx context.Context, token string, flags []models.FraudFlag) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s := r.find(func(s *models.WatchSession) bool { return s.Token == token })
	if s == nil {
		return repository.ErrConditionalUpdateFailed
	}
	s.FraudFlags = append(slices.Clone(s.FraudFlags), flags...)
	return nil
}

func (r *memSessionRepo) MarkSettled(ctx context.Context, token, rewardRef, settlementRef string) error {
	if err := r.db.failing("session.MarkSettled"); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s := r.find(func(s *models.WatchSession) bool { return s.Token == token })
	if s == nil || s.SettlementRef != nil || s.Status != models.WatchSessionStatusCompleted {
		return repository.ErrConditionalUpdateFailed
	}
	s.RewardRef = &rewardRef
	s.SettlementRef = &settlementRef
	return nil
}

func (r *memSessionRepo) ArchiveExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, s := range r.db.sessions {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if s.Status.IsActive() && !s.ExpiresAt.After(now) {
			s.Status = models.WatchSessionStatusExpired
			at := now
			s.ArchivedAt = &at
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) PurgeArchived(ctx context.Context, before time.Time, limit int) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	kept := r.db.sessions[:0]
	for _, s := range r.db.sessions {
		if (limit <= 0 || n < int64(limit)) &&
			s.Status == models.WatchSessionStatusExpired &&
			s.ArchivedAt != nil && s.ArchivedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	r.db.sessions = kept
	return n, nil
}

func (r *memSessionRepo) ListFlagged(ctx context.Context, from, to time.Time, limit int) ([]*models.WatchSession, error) {
	flagged := true
	return r.ByFilter(ctx, models.WatchSessionFilter{Flagged: &flagged, CreatedAfter: &from, CreatedBefore: &to}, "", limit, 0)
}

// ---- ads ----

type memAdRepo struct {
	*memTable[models.Ad, models.AdFilter]
}

func newMemAdRepo(db *memDB) *memAdRepo {
	return &memAdRepo{&memTable[models.Ad, models.AdFilter]{
		db:      db,
		name:    "ad",
		rows:    func() *[]*models.Ad { return &db.ads },
		id:      func(a *models.Ad) *uint { return &a.ID },
		created: func(a *models.Ad) *time.Time { return &a.CreatedAt },
		match: func(a *models.Ad, f models.AdFilter) bool {
			if f.SponsorID != nil && a.SponsorID != *f.SponsorID {
				return false
			}
			if f.Status != nil && a.Status != *f.Status {
				return false
			}
			return true
		},
	}}
}

func (r *memAdRepo) ListEligible(ctx context.Context, now time.Time) ([]*models.Ad, error) {
	if err := r.db.failing("ad.ListEligible"); err != nil {
		return nil, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.Ad
	for _, a := range r.db.ads {
		if a.IsEligibleAt(now) {
			c := *a
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memAdRepo) ByIDForUpdate(ctx context.Context, id uint) (*models.Ad, error) {
	return r.ByID(ctx, id)
}

func (r *memAdRepo) UpdateRemainingBudget(ctx context.Context, id uint, remaining int64, status models.AdStatus) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a := r.find(func(a *models.Ad) bool { return a.ID == id })
	if a == nil {
		return fmt.Errorf("ad %d not found", id)
	}
	a.RemainingBudget = remaining
	a.Status = status
	return nil
}

func (r *memAdRepo) PauseActiveBySponsor(ctx context.Context, sponsorID uint) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, a := range r.db.ads {
		if a.SponsorID == sponsorID && a.Status == models.AdStatusActive {
			a.Status = models.AdStatusPaused
			n++
		}
	}
	return n, nil
}

// ---- sponsors ----

type memSponsorRepo struct {
	*memTable[models.Sponsor, models.SponsorFilter]
}

func newMemSponsorRepo(db *memDB) *memSponsorRepo {
	return &memSponsorRepo{&memTable[models.Sponsor, models.SponsorFilter]{
		db:      db,
		name:    "sponsor",
		rows:    func() *[]*models.Sponsor { return &db.sponsors },
		id:      func(s *models.Sponsor) *uint { return &s.ID },
		created: func(s *models.Sponsor) *time.Time { return &s.CreatedAt },
	}}
}

func (r *memSponsorRepo) ByIDForUpdate(ctx context.Context, id uint) (*models.Sponsor, error) {
	return r.ByID(ctx, id)
}

func (r *memSponsorRepo) UpdateRemainingBudget(ctx context.Context, id uint, remaining int64) error {
	if remaining < 0 {
		return fmt.Errorf("remaining budget cannot be negative")
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s := r.find(func(s *models.Sponsor) bool { return s.ID == id })
	if s == nil {
		return fmt.Errorf("sponsor %d not found", id)
	}
	s.RemainingBudget = remaining
	return nil
}

// ---- ledger ----

type memSponsorTxRepo struct {
	*memTable[models.SponsorTransaction, models.SponsorTransactionFilter]
}

func newMemSponsorTxRepo(db *memDB) *memSponsorTxRepo {
	return &memSponsorTxRepo{&memTable[models.SponsorTransaction, models.SponsorTransactionFilter]{
		db:      db,
		name:    "ledger",
		rows:    func() *[]*models.SponsorTransaction { return &db.ledger },
		id:      func(t *models.SponsorTransaction) *uint { return &t.ID },
		created: func(t *models.SponsorTransaction) *time.Time { return &t.CreatedAt },
		unique: func(a, b *models.SponsorTransaction) bool {
			return a.Type == b.Type && a.Reference == b.Reference
		},
	}}
}

func (r *memSponsorTxRepo) ByReference(ctx context.Context, txType models.SponsorTransactionType, reference string) (*models.SponsorTransaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if t := r.find(func(t *models.SponsorTransaction) bool { return t.Type == txType && t.Reference == reference }); t != nil {
		c := *t
		return &c, nil
	}
	return nil, nil
}

// ---- rewards ----

type memRewardRepo struct {
	*memTable[models.Reward, models.RewardFilter]
}

func newMemRewardRepo(db *memDB) *memRewardRepo {
	return &memRewardRepo{&memTable[models.Reward, models.RewardFilter]{
		db:      db,
		name:    "reward",
		rows:    func() *[]*models.Reward { return &db.rewards },
		id:      func(r *models.Reward) *uint { return &r.ID },
		created: func(r *models.Reward) *time.Time { return &r.CreatedAt },
		unique:  func(a, b *models.Reward) bool { return a.Token == b.Token },
	}}
}

func (r *memRewardRepo) ByToken(ctx context.Context, token string) (*models.Reward, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if rw := r.find(func(rw *models.Reward) bool { return rw.Token == token }); rw != nil {
		c := *rw
		return &c, nil
	}
	return nil, nil
}

// ---- audit log ----

type memAuditRepo struct {
	*memTable[models.AuditLog, models.AuditLogFilter]
}

func newMemAuditRepo(db *memDB) *memAuditRepo {
	return &memAuditRepo{&memTable[models.AuditLog, models.AuditLogFilter]{
		db:      db,
		name:    "audit",
		rows:    func() *[]*models.AuditLog { return &db.audits },
		id:      func(a *models.AuditLog) *uint { return &a.ID },
		created: func(a *models.AuditLog) *time.Time { return &a.CreatedAt },
		match: func(a *models.AuditLog, f models.AuditLogFilter) bool {
			if f.Token != nil && (a.Token == nil || *a.Token != *f.Token) {
				return false
			}
			if f.Action != nil && a.Action != *f.Action {
				return false
			}
			return true
		},
	}}
}

func (r *memAuditRepo) ListByToken(ctx context.Context, token string, limit, offset int) ([]*models.AuditLog, error) {
	return r.ByFilter(ctx, models.AuditLogFilter{Token: &token}, "", limit, offset)
}

func (r *memAuditRepo) ListByAction(ctx context.Context, action string, limit, offset int) ([]*models.AuditLog, error) {
	return r.ByFilter(ctx, models.AuditLogFilter{Action: &action}, "", limit, offset)
}

// actions returns the audit actions recorded for token in insertion order
func (r *memAuditRepo) actions(token string) []string {
	logs, _ := r.ListByToken(context.Background(), token, 0, 0)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

// ---- misc ----

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRetryQueue struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (q *fakeRetryQueue) EnqueueSettlementRetry(ctx context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tokens = append(q.tokens, token)
	return nil
}

func (q *fakeRetryQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.tokens)
}
