// Package sweep re-derives due tier transitions from timestamps alone. It is
// the backstop for lost or reordered webhook deliveries.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/audit"
	"github.com/ManuelReschke/tiersync/internal/pkg/billing"
	"github.com/ManuelReschke/tiersync/internal/pkg/metrics"
	"github.com/ManuelReschke/tiersync/internal/pkg/rolesync"
	"github.com/ManuelReschke/tiersync/internal/pkg/tier"
)

const DefaultBatchSize = 1000

// Audit actions written by the sweep besides tier.Action* values.
const (
	ActionRowFailed    = "row_failed"
	ActionReminderSent = "reminder_sent"
	ActionRunCompleted = "run_completed"
	ActionRunFailed    = "run_failed"
)

// Resyncer refreshes a member from the billing provider before it is expired.
type Resyncer interface {
	Resync(ctx context.Context, member *models.Member, now time.Time) (bool, error)
}

// Reminder notifies a member that their grace period is about to end.
type Reminder interface {
	SendGraceReminder(ctx context.Context, member *models.Member, entry models.GracePeriodEntry) error
}

// RoleReconciler repairs drift between the stored tier and the external role.
type RoleReconciler interface {
	Reconcile(ctx context.Context, t rolesync.Target, roleID string, want bool) (bool, error)
}

type Config struct {
	PaidRoleID       string
	GraceDays        int
	BatchSize        int
	ReminderLeadDays int

	// Optional collaborators. A nil value disables the step that uses it.
	Resync     Resyncer
	Reminder   Reminder
	Reconciler RoleReconciler
}

type Summary struct {
	RunID         string `json:"run_id"`
	GraceStarted  int    `json:"grace_started"`
	GraceEnded    int    `json:"grace_ended"`
	Renewed       int    `json:"renewed"`
	RemindersSent int    `json:"reminders_sent"`
	RolesRepaired int    `json:"roles_repaired"`
	Failures      int    `json:"failures"`
}

// Sweeper drives every member that is due for a transition at a given instant.
type Sweeper struct {
	store    billing.Store
	roles    billing.RoleSyncer
	recorder audit.Recorder
	cfg      Config
}

func NewSweeper(store billing.Store, roles billing.RoleSyncer, recorder audit.Recorder, cfg Config) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.GraceDays <= 0 {
		cfg.GraceDays = tier.DefaultGraceDays
	}
	return &Sweeper{store: store, roles: roles, recorder: recorder, cfg: cfg}
}

// Run performs one sweep. All rows are judged against now; a row failure is
// counted and the run continues. Re-running with the same now is a no-op.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	log.Infof("[Sweep] run %s started (now=%s)", sum.RunID, now.UTC().Format(time.RFC3339))

	steps := []struct {
		name string
		fn   func(context.Context, time.Time, *Summary) error
	}{
		{"expire_subscriptions", s.expireSubscriptions},
		{"expire_grace", s.expireGrace},
		{"reminders", s.sendReminders},
		{"repair_roles", s.repairRoles},
	}
	for _, step := range steps {
		if err := step.fn(ctx, now, &sum); err != nil {
			metrics.SweepRunsTotal.WithLabelValues("failed").Inc()
			log.Errorf("[Sweep] run %s aborted in %s: %v", sum.RunID, step.name, err)
			s.record(ctx, 0, ActionRunFailed, models.AuditOutcomeFailure, map[string]any{"run_id": sum.RunID, "step": step.name, "error": err.Error()})
			return sum, fmt.Errorf("sweep %s: %w", step.name, err)
		}
	}

	metrics.SweepRunsTotal.WithLabelValues("success").Inc()
	log.Infof("[Sweep] run %s finished: grace_started=%d grace_ended=%d renewed=%d reminders=%d repaired=%d failures=%d",
		sum.RunID, sum.GraceStarted, sum.GraceEnded, sum.Renewed, sum.RemindersSent, sum.RolesRepaired, sum.Failures)
	s.record(ctx, 0, ActionRunCompleted, models.AuditOutcomeSuccess, map[string]any{
		"run_id":         sum.RunID,
		"now":            now.UTC(),
		"grace_started":  sum.GraceStarted,
		"grace_ended":    sum.GraceEnded,
		"renewed":        sum.Renewed,
		"reminders_sent": sum.RemindersSent,
		"roles_repaired": sum.RolesRepaired,
		"failures":       sum.Failures,
	})
	return sum, nil
}

func (s *Sweeper) expireSubscriptions(ctx context.Context, now time.Time, sum *Summary) error {
	return paginate(ctx, s.cfg.BatchSize,
		func(after uint) ([]models.Member, error) { return s.store.ListPaidDue(ctx, now, after, s.cfg.BatchSize) },
		func(m models.Member) uint { return m.ID },
		func(m models.Member) {
			if s.cfg.Resync != nil {
				renewed, err := s.cfg.Resync.Resync(ctx, &m, now)
				if err != nil {
					log.Warnf("[Sweep] resync of member %d failed, expiring from stored state: %v", m.ID, err)
				} else if renewed {
					sum.Renewed++
					return
				}
			}
			_, out, err := s.store.ApplyTransition(ctx, m.ID, tier.Input{Intent: tier.IntentSubscriptionExpired, Now: now, GraceDays: s.cfg.GraceDays})
			if err != nil {
				s.rowFailed(ctx, sum, "expire_subscription", m.ID, err)
				return
			}
			if !out.Changed {
				return
			}
			sum.GraceStarted++
			s.transitioned(ctx, sum, m.ID, tier.IntentSubscriptionExpired, out)
		})
}

func (s *Sweeper) expireGrace(ctx context.Context, now time.Time, sum *Summary) error {
	return paginate(ctx, s.cfg.BatchSize,
		func(after uint) ([]models.Member, error) { return s.store.ListGraceDue(ctx, now, after, s.cfg.BatchSize) },
		func(m models.Member) uint { return m.ID },
		func(m models.Member) {
			updated, out, err := s.store.ApplyTransition(ctx, m.ID, tier.Input{Intent: tier.IntentGraceExpired, Now: now, GraceDays: s.cfg.GraceDays})
			if err != nil {
				s.rowFailed(ctx, sum, "expire_grace", m.ID, err)
				return
			}
			if !out.Changed {
				return
			}
			sum.GraceEnded++
			s.transitioned(ctx, sum, m.ID, tier.IntentGraceExpired, out)
			s.syncRoles(ctx, updated, out.RoleActions)
		})
}

func (s *Sweeper) sendReminders(ctx context.Context, now time.Time, sum *Summary) error {
	if s.cfg.Reminder == nil || s.cfg.ReminderLeadDays <= 0 {
		return nil
	}
	until := now.AddDate(0, 0, s.cfg.ReminderLeadDays)
	return paginate(ctx, s.cfg.BatchSize,
		func(after uint) ([]models.GracePeriodEntry, error) {
			return s.store.ListReminderCandidates(ctx, until, after, s.cfg.BatchSize)
		},
		func(g models.GracePeriodEntry) uint { return g.ID },
		func(g models.GracePeriodEntry) {
			if !g.ReminderDue(now, s.cfg.ReminderLeadDays) {
				return
			}
			member, err := s.store.FindMemberByID(ctx, g.MemberID)
			if err != nil {
				s.rowFailed(ctx, sum, "reminder", g.MemberID, err)
				return
			}
			if member.Tier != models.TierGrace {
				return
			}
			if err := s.cfg.Reminder.SendGraceReminder(ctx, member, g); err != nil {
				s.rowFailed(ctx, sum, "reminder", member.ID, err)
				return
			}
			if err := s.store.MarkReminderSent(ctx, g.ID, now); err != nil {
				s.rowFailed(ctx, sum, "reminder", member.ID, err)
				return
			}
			sum.RemindersSent++
			s.record(ctx, member.ID, ActionReminderSent, models.AuditOutcomeSuccess, map[string]any{"run_id": sum.RunID, "grace_ends_at": g.EndsAt})
		})
}

// repairRoles re-asserts the role for every paid and grace member. Free
// members are not scanned; their revoke is issued when grace ends.
func (s *Sweeper) repairRoles(ctx context.Context, _ time.Time, sum *Summary) error {
	if s.cfg.Reconciler == nil || s.cfg.PaidRoleID == "" {
		return nil
	}
	for _, t := range []models.Tier{models.TierPaid, models.TierGrace} {
		err := paginate(ctx, s.cfg.BatchSize,
			func(after uint) ([]models.Member, error) { return s.store.ListByTier(ctx, t, after, s.cfg.BatchSize) },
			func(m models.Member) uint { return m.ID },
			func(m models.Member) {
				changed, err := s.cfg.Reconciler.Reconcile(ctx, rolesync.Target{MemberID: m.ID, ExternalID: m.ExternalID}, s.cfg.PaidRoleID, true)
				if err != nil {
					s.rowFailed(ctx, sum, "repair_roles", m.ID, err)
					return
				}
				if changed {
					sum.RolesRepaired++
				}
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) syncRoles(ctx context.Context, member *models.Member, actions []models.RoleAction) {
	if len(actions) == 0 || s.roles == nil || s.cfg.PaidRoleID == "" {
		return
	}
	for _, action := range actions {
		if err := s.roles.Apply(ctx, rolesync.Target{MemberID: member.ID, ExternalID: member.ExternalID}, s.cfg.PaidRoleID, action); err != nil {
			log.Warnf("[Sweep] role %s for member %d left for the next run: %v", action, member.ID, err)
		}
	}
}

func (s *Sweeper) transitioned(ctx context.Context, sum *Summary, memberID uint, intent tier.Intent, out tier.Outcome) {
	metrics.TierTransitionsTotal.WithLabelValues(string(out.Prev.Tier), string(out.Next.Tier), "sweep").Inc()
	s.record(ctx, memberID, out.Action, models.AuditOutcomeSuccess, map[string]any{
		"run_id":               sum.RunID,
		"intent":               string(intent),
		"from":                 string(out.Prev.Tier),
		"to":                   string(out.Next.Tier),
		"subscription_ends_at": out.Next.SubscriptionEndsAt,
		"grace_ends_at":        out.Next.GraceEndsAt,
	})
}

func (s *Sweeper) rowFailed(ctx context.Context, sum *Summary, step string, memberID uint, err error) {
	sum.Failures++
	metrics.SweepRowFailuresTotal.WithLabelValues(step).Inc()
	billing.ReportInvariant(err)
	log.Errorf("[Sweep] %s failed for member %d: %v", step, memberID, err)
	s.record(ctx, memberID, ActionRowFailed, models.AuditOutcomeFailure, map[string]any{"run_id": sum.RunID, "step": step, "error": err.Error()})
}

func (s *Sweeper) record(ctx context.Context, memberID uint, action, outcome string, payload map[string]any) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(context.WithoutCancel(ctx), audit.Entry{
		MemberID: audit.MemberRef(memberID),
		Category: models.AuditCategorySweep,
		Action:   action,
		Outcome:  outcome,
		Payload:  payload,
	}); err != nil {
		log.Errorf("[Sweep] audit %s failed: %v", action, err)
	}
}

// paginate walks a keyset-paginated listing. Rows that leave the result set
// while being processed do not shift later pages.
func paginate[T any](ctx context.Context, batch int, list func(after uint) ([]T, error), id func(T) uint, each func(T)) error {
	var after uint
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := list(after)
		if err != nil {
			return err
		}
		for _, row := range rows {
			each(row)
		}
		if len(rows) < batch {
			return nil
		}
		after = id(rows[len(rows)-1])
	}
}
