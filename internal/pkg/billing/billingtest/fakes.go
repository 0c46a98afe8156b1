// Package billingtest provides in-memory implementations of the billing
// collaborators for tests.
package billingtest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/audit"
	"github.com/ManuelReschke/tiersync/internal/pkg/billing"
	"github.com/ManuelReschke/tiersync/internal/pkg/rolesync"
	"github.com/ManuelReschke/tiersync/internal/pkg/tier"
)

// Store is an in-memory billing.Store. A single mutex stands in for row locks.
type Store struct {
	mu      sync.Mutex
	nextID  uint
	members map[uint]*models.Member
	subs    map[string]*models.SubscriptionRecord
	grace   map[uint]*models.GracePeriodEntry
	seq     int

	// FailApply makes ApplyTransition fail with this error when set.
	FailApply error
	// FailMembers makes ApplyTransition fail for the listed member ids.
	FailMembers map[uint]error
}

var _ billing.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		members: map[uint]*models.Member{},
		subs:    map[string]*models.SubscriptionRecord{},
		grace:   map[uint]*models.GracePeriodEntry{},
	}
}

// AddMember inserts m as-is, assigning an id, and returns a copy.
func (s *Store) AddMember(m models.Member) *models.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	if m.Tier == "" {
		m.Tier = models.TierFree
	}
	s.members[m.ID] = &m
	if m.Tier == models.TierGrace && m.GraceEndsAt != nil {
		s.grace[m.ID] = &models.GracePeriodEntry{ID: m.ID, MemberID: m.ID, StartedAt: m.GraceEndsAt.AddDate(0, 0, -tier.DefaultGraceDays), EndsAt: *m.GraceEndsAt, ReminderEnabled: true}
	}
	cp := m
	return &cp
}

// Member returns a copy of the stored member.
func (s *Store) Member(id uint) *models.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Grace returns a copy of the member's grace entry, if any.
func (s *Store) Grace(memberID uint) *models.GracePeriodEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grace[memberID]
	if !ok {
		return nil
	}
	cp := *g
	return &cp
}

// Subscription returns a copy of the stored subscription record.
func (s *Store) Subscription(id string) *models.SubscriptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.subs[id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (s *Store) FindMemberByID(_ context.Context, id uint) (*models.Member, error) {
	if m := s.Member(id); m != nil {
		return m, nil
	}
	return nil, billing.ErrMemberNotFound
}

func (s *Store) FindMemberByCustomerID(_ context.Context, customerID string) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if customerID == "" {
		return nil, billing.ErrMemberNotFound
	}
	for _, m := range s.members {
		if m.CustomerID != nil && *m.CustomerID == customerID {
			cp := *m
			return &cp, nil
		}
	}
	var latest *models.SubscriptionRecord
	for _, sub := range s.subs {
		if sub.CustomerID == customerID && (latest == nil || sub.ID > latest.ID) {
			latest = sub
		}
	}
	if latest != nil {
		if m, ok := s.members[latest.MemberID]; ok {
			cp := *m
			return &cp, nil
		}
	}
	return nil, billing.ErrMemberNotFound
}

func (s *Store) FindMemberByExternalID(_ context.Context, externalID string) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if externalID != "" && m.ExternalID == externalID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, billing.ErrMemberNotFound
}

func (s *Store) LinkMember(ctx context.Context, in billing.MemberLink) (*models.Member, error) {
	if m, err := s.FindMemberByExternalID(ctx, in.ExternalID); err == nil {
		s.mu.Lock()
		stored := s.members[m.ID]
		stored.Email, stored.Username = in.Email, in.Username
		if in.CustomerID != "" {
			c := in.CustomerID
			stored.CustomerID = &c
		}
		cp := *stored
		s.mu.Unlock()
		return &cp, nil
	}
	m := models.Member{ExternalID: in.ExternalID, Email: in.Email, Username: in.Username, Tier: models.TierFree}
	if in.CustomerID != "" {
		c := in.CustomerID
		m.CustomerID = &c
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return s.AddMember(m), nil
}

func (s *Store) AttachCustomer(_ context.Context, memberID uint, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok {
		return billing.ErrMemberNotFound
	}
	if m.CustomerID == nil {
		c := customerID
		m.CustomerID = &c
	}
	return nil
}

func (s *Store) RelinkCustomer(_ context.Context, memberID uint, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok {
		return billing.ErrMemberNotFound
	}
	c := customerID
	m.CustomerID = &c
	return nil
}

func (s *Store) UpsertSubscription(_ context.Context, sub *models.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.subs[sub.SubscriptionID]; ok {
		sub.ID, sub.CreatedAt = existing.ID, existing.CreatedAt
	} else {
		s.seq++
		sub.ID = uint(s.seq)
		sub.CreatedAt = time.Unix(int64(s.seq), 0)
	}
	cp := *sub
	s.subs[sub.SubscriptionID] = &cp
	return nil
}

func (s *Store) SetSubscriptionStatus(_ context.Context, memberID uint, customerID, subscriptionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.subs[subscriptionID]; ok {
		existing.Status = status
		return nil
	}
	s.seq++
	s.subs[subscriptionID] = &models.SubscriptionRecord{
		ID:             uint(s.seq),
		SubscriptionID: subscriptionID,
		MemberID:       memberID,
		CustomerID:     customerID,
		Status:         status,
		CreatedAt:      time.Unix(int64(s.seq), 0),
	}
	return nil
}

func (s *Store) LatestSubscription(_ context.Context, memberID uint) (*models.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.SubscriptionRecord
	for _, r := range s.subs {
		if r.MemberID != memberID {
			continue
		}
		if latest == nil || createdKey(r).After(createdKey(latest)) || (createdKey(r).Equal(createdKey(latest)) && r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func createdKey(r *models.SubscriptionRecord) time.Time {
	if r.ProviderCreatedAt != nil {
		return *r.ProviderCreatedAt
	}
	return r.CreatedAt
}

func (s *Store) ApplyTransition(_ context.Context, memberID uint, in tier.Input) (*models.Member, tier.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailApply != nil {
		return nil, tier.Outcome{}, s.FailApply
	}
	if err := s.FailMembers[memberID]; err != nil {
		return nil, tier.Outcome{}, err
	}
	stored, ok := s.members[memberID]
	if !ok {
		return nil, tier.Outcome{}, billing.ErrMemberNotFound
	}
	out := tier.Transition(tier.StateOf(stored), in)
	if out.Changed {
		next := *stored
		out.Next.ApplyTo(&next)
		if err := next.Validate(); err != nil {
			return nil, tier.Outcome{}, err
		}
		*stored = next
		switch {
		case out.StartGrace:
			s.grace[memberID] = &models.GracePeriodEntry{ID: memberID, MemberID: memberID, StartedAt: in.Now, EndsAt: *next.GraceEndsAt, ReminderEnabled: true}
		case out.ClearGrace:
			delete(s.grace, memberID)
		}
	}
	cp := *stored
	return &cp, out, nil
}

func (s *Store) ListPaidDue(_ context.Context, now time.Time, afterID uint, limit int) ([]models.Member, error) {
	return s.list(afterID, limit, func(m *models.Member) bool {
		return m.Tier == models.TierPaid && m.SubscriptionEndsAt != nil && !m.SubscriptionEndsAt.After(now)
	}), nil
}

func (s *Store) ListGraceDue(_ context.Context, now time.Time, afterID uint, limit int) ([]models.Member, error) {
	return s.list(afterID, limit, func(m *models.Member) bool {
		return m.Tier == models.TierGrace && m.GraceEndsAt != nil && !m.GraceEndsAt.After(now)
	}), nil
}

func (s *Store) ListByTier(_ context.Context, t models.Tier, afterID uint, limit int) ([]models.Member, error) {
	return s.list(afterID, limit, func(m *models.Member) bool { return m.Tier == t }), nil
}

func (s *Store) list(afterID uint, limit int, match func(*models.Member) bool) []models.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Member
	for _, m := range s.members {
		if m.ID > afterID && match(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) ListReminderCandidates(_ context.Context, until time.Time, afterID uint, limit int) ([]models.GracePeriodEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GracePeriodEntry
	for _, g := range s.grace {
		if g.ID > afterID && g.ReminderEnabled && g.ReminderSentAt == nil && !g.EndsAt.After(until) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkReminderSent(_ context.Context, entryID uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grace {
		if g.ID == entryID && g.ReminderSentAt == nil {
			t := at
			g.ReminderSentAt = &t
		}
	}
	return nil
}

func (s *Store) CountByTier(_ context.Context) (map[models.Tier]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[models.Tier]int64{models.TierFree: 0, models.TierPaid: 0, models.TierGrace: 0}
	for _, m := range s.members {
		counts[m.Tier]++
	}
	return counts, nil
}

// Ledger is an in-memory billing.Ledger. Like the GORM ledger it fails on a
// done context.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]string

	// FailRead and FailMark make the matching call fail when set.
	FailRead error
	FailMark error
}

var _ billing.Ledger = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{entries: map[string]string{}}
}

func (l *Ledger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if l.FailRead != nil {
		return false, l.FailRead
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[eventID]
	return ok, nil
}

func (l *Ledger) MarkProcessed(ctx context.Context, eventID, eventType string, _ time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if l.FailMark != nil {
		return false, l.FailMark
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[eventID]; ok {
		return false, nil
	}
	l.entries[eventID] = eventType
	return true, nil
}

// Len returns the number of processed events.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Recorder is an in-memory audit.Recorder. It fails on a done context.
type Recorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

var _ audit.Recorder = (*Recorder)(nil)

func (r *Recorder) Record(ctx context.Context, e audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// Entries returns a snapshot of the recorded entries.
func (r *Recorder) Entries() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...)
}

// Applied returns the entries recording eventID as applied.
func (r *Recorder) Applied(eventID string) []audit.Entry {
	var out []audit.Entry
	for _, e := range r.Entries() {
		if e.Applied && e.ExternalEventID == eventID {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the entries with the given category and action.
func (r *Recorder) Find(category, action string) []audit.Entry {
	var out []audit.Entry
	for _, e := range r.Entries() {
		if e.Category == category && e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// RoleCall is one call observed by Roles.
type RoleCall struct {
	MemberID uint
	RoleID   string
	Action   models.RoleAction
}

// Roles is a billing.RoleSyncer that records calls and returns Err when set.
type Roles struct {
	mu    sync.Mutex
	calls []RoleCall
	Err   error
}

func (r *Roles) Apply(_ context.Context, t rolesync.Target, roleID string, action models.RoleAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, RoleCall{MemberID: t.MemberID, RoleID: roleID, Action: action})
	return r.Err
}

// Calls returns a snapshot of the observed calls.
func (r *Roles) Calls() []RoleCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RoleCall(nil), r.calls...)
}

// Client is an in-memory billing.BillingClient.
type Client struct {
	Subscriptions map[string]billing.NormalizedSubscription
	Err           error
}

func (c *Client) GetSubscription(_ context.Context, id string) (*billing.NormalizedSubscription, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	s, ok := c.Subscriptions[id]
	if !ok {
		return nil, errors.New("no such subscription: " + id)
	}
	return &s, nil
}

func (c *Client) ListSubscriptions(_ context.Context, customerID string) ([]billing.NormalizedSubscription, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	var out []billing.NormalizedSubscription
	for _, s := range c.Subscriptions {
		if s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	return out, nil
}
