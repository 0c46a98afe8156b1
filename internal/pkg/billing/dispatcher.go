package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/jonboulle/clockwork"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/audit"
	"github.com/ManuelReschke/tiersync/internal/pkg/metrics"
	"github.com/ManuelReschke/tiersync/internal/pkg/rolesync"
	"github.com/ManuelReschke/tiersync/internal/pkg/tier"
)

const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventTrialWillEnd            = "customer.subscription.trial_will_end"
)

// Audit actions written by the dispatcher besides tier.Action* values.
const (
	ActionIgnored      = "ignored"
	ActionRecorded     = "subscription_recorded"
	ActionPastDue      = "past_due"
	ActionTrialEnding  = "trial_ending"
	ActionSuperseded   = "cancel_superseded"
	ActionLinked       = "customer_linked"
	ActionDispatchFail = "dispatch_failed"
)

// RoleSyncer applies a role change for a member. Failures are best effort.
type RoleSyncer interface {
	Apply(ctx context.Context, t rolesync.Target, roleID string, action models.RoleAction) error
}

type DispatcherConfig struct {
	PaidRoleID string
	GraceDays  int
	// Client is required for checkouts. Without it, checkout events fail and
	// stay unprocessed, and other events use only their own payload.
	Client BillingClient
	Clock  clockwork.Clock
}

// Dispatcher maps provider events to state machine intents and applies them.
type Dispatcher struct {
	store      Store
	roles      RoleSyncer
	recorder   audit.Recorder
	client     BillingClient
	clock      clockwork.Clock
	paidRoleID string
	graceDays  int
}

func NewDispatcher(store Store, roles RoleSyncer, recorder audit.Recorder, cfg DispatcherConfig) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.GraceDays <= 0 {
		cfg.GraceDays = tier.DefaultGraceDays
	}
	return &Dispatcher{
		store:      store,
		roles:      roles,
		recorder:   recorder,
		client:     cfg.Client,
		clock:      cfg.Clock,
		paidRoleID: cfg.PaidRoleID,
		graceDays:  cfg.GraceDays,
	}
}

// Dispatch applies one trusted event. Unrecognized types succeed as audited no-ops.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventCheckoutCompleted:
		return d.handleCheckout(ctx, ev)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted, EventTrialWillEnd:
		return d.handleSubscription(ctx, ev)
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		return d.handleInvoice(ctx, ev)
	default:
		log.Infof("[Billing] ignoring unhandled event type %s (%s)", ev.Type, ev.ID)
		d.record(ctx, ev, nil, models.AuditCategoryWebhook, ActionIgnored, models.AuditOutcomeIgnored, map[string]any{"event_type": ev.Type})
		return nil
	}
}

func (d *Dispatcher) handleCheckout(ctx context.Context, ev Event) error {
	var s checkoutSession
	if err := json.Unmarshal(ev.Object, &s); err != nil {
		return d.fail(ctx, ev, nil, invalidPayload(ev.Type, err))
	}

	member, err := d.resolveCheckoutMember(ctx, ev, s)
	if err != nil {
		return err
	}

	subID := string(s.Subscription)
	if subID == "" {
		d.record(ctx, ev, member, models.AuditCategoryWebhook, ActionIgnored, models.AuditOutcomeIgnored, map[string]any{"reason": "checkout without subscription", "mode": s.Mode})
		return nil
	}
	if d.client == nil {
		return d.fail(ctx, ev, member, fmt.Errorf("%w: checkout for subscription %s", ErrNoBillingClient, subID))
	}

	norm, err := d.client.GetSubscription(ctx, subID)
	if err != nil {
		return d.fail(ctx, ev, member, fmt.Errorf("fetch subscription %s: %w", subID, err))
	}
	if norm.CustomerID == "" {
		norm.CustomerID = string(s.Customer)
	}
	if !models.IsEntitlingStatus(norm.Status) {
		return d.recordOnly(ctx, ev, member, *norm)
	}
	return d.activate(ctx, ev, member, tier.IntentActivate, norm.CurrentPeriodEnd, func() error {
		return d.store.UpsertSubscription(ctx, toRecord(member.ID, *norm))
	})
}

// resolveCheckoutMember finds the member by customer id, or links the customer
// to the member named by the session's client reference.
func (d *Dispatcher) resolveCheckoutMember(ctx context.Context, ev Event, s checkoutSession) (*models.Member, error) {
	customerID := string(s.Customer)
	if customerID != "" {
		m, err := d.store.FindMemberByCustomerID(ctx, customerID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrMemberNotFound) {
			return nil, d.fail(ctx, ev, nil, persistence("find member by customer", err))
		}
	}

	externalID := strings.TrimSpace(s.externalID())
	if externalID == "" {
		return nil, d.fail(ctx, ev, nil, fmt.Errorf("%w: customer %q has no linked member and checkout carries no reference", ErrUnknownMember, customerID))
	}
	m, err := d.store.FindMemberByExternalID(ctx, externalID)
	if errors.Is(err, ErrMemberNotFound) {
		return nil, d.fail(ctx, ev, nil, fmt.Errorf("%w: external id %q", ErrUnknownMember, externalID))
	}
	if err != nil {
		return nil, d.fail(ctx, ev, nil, persistence("find member by external id", err))
	}

	if customerID == "" {
		return m, nil
	}
	payload := map[string]any{"customer_id": customerID}
	if m.HasCustomer() {
		// A new checkout customer replaces the old one; events of the old
		// customer still resolve through its subscription records.
		log.Infof("[Billing] relinking member %d from customer %s to %s", m.ID, *m.CustomerID, customerID)
		payload["previous_customer_id"] = *m.CustomerID
		if err := d.store.RelinkCustomer(ctx, m.ID, customerID); err != nil {
			return nil, d.fail(ctx, ev, m, persistence("relink customer", err))
		}
	} else if err := d.store.AttachCustomer(ctx, m.ID, customerID); err != nil {
		return nil, d.fail(ctx, ev, m, persistence("attach customer", err))
	}
	m.CustomerID = &customerID
	d.record(ctx, ev, m, models.AuditCategoryLinkage, ActionLinked, models.AuditOutcomeSuccess, payload)
	return m, nil
}

func (d *Dispatcher) handleSubscription(ctx context.Context, ev Event) error {
	var s subscriptionObject
	if err := json.Unmarshal(ev.Object, &s); err != nil {
		return d.fail(ctx, ev, nil, invalidPayload(ev.Type, err))
	}
	if s.ID == "" {
		return d.fail(ctx, ev, nil, invalidPayload(ev.Type, errors.New("subscription id missing")))
	}
	norm := s.normalize(ev.Object)

	member, err := d.memberForCustomer(ctx, ev, norm.CustomerID)
	if err != nil {
		return err
	}

	switch ev.Type {
	case EventTrialWillEnd:
		d.record(ctx, ev, member, models.AuditCategoryWebhook, ActionTrialEnding, models.AuditOutcomeSuccess, map[string]any{"subscription_id": norm.SubscriptionID, "trial_end": norm.TrialEnd})
		return nil

	case EventSubscriptionCreated:
		if !models.IsEntitlingStatus(norm.Status) {
			return d.recordOnly(ctx, ev, member, norm)
		}
		return d.activateSubscription(ctx, ev, member, tier.IntentActivate, norm)

	case EventSubscriptionUpdated:
		switch norm.Status {
		case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing:
			return d.activateSubscription(ctx, ev, member, tier.IntentRenew, norm)
		case models.SubscriptionStatusPastDue, models.SubscriptionStatusUnpaid:
			if err := d.store.UpsertSubscription(ctx, toRecord(member.ID, norm)); err != nil {
				return d.fail(ctx, ev, member, persistence("upsert subscription", err))
			}
			d.record(ctx, ev, member, models.AuditCategoryWebhook, ActionPastDue, models.AuditOutcomeSuccess, statusDelta(ev, norm))
			return nil
		default:
			return d.recordOnly(ctx, ev, member, norm)
		}

	default:
		return d.cancelToGrace(ctx, ev, member, norm)
	}
}

func (d *Dispatcher) handleInvoice(ctx context.Context, ev Event) error {
	var inv invoiceObject
	if err := json.Unmarshal(ev.Object, &inv); err != nil {
		return d.fail(ctx, ev, nil, invalidPayload(ev.Type, err))
	}

	member, err := d.memberForCustomer(ctx, ev, string(inv.Customer))
	if err != nil {
		return err
	}

	subID := inv.subscriptionID()
	if subID == "" {
		d.record(ctx, ev, member, models.AuditCategoryWebhook, ActionIgnored, models.AuditOutcomeIgnored, map[string]any{"reason": "invoice without subscription", "invoice_id": inv.ID})
		return nil
	}

	if ev.Type == EventInvoicePaymentFailed {
		if err := d.store.SetSubscriptionStatus(ctx, member.ID, string(inv.Customer), subID, models.SubscriptionStatusPastDue); err != nil {
			return d.fail(ctx, ev, member, persistence("set subscription status", err))
		}
		d.record(ctx, ev, member, models.AuditCategoryWebhook, ActionPastDue, models.AuditOutcomeSuccess, map[string]any{"subscription_id": subID, "invoice_id": inv.ID})
		return nil
	}

	if d.client != nil {
		norm, err := d.client.GetSubscription(ctx, subID)
		if err == nil {
			if norm.CustomerID == "" {
				norm.CustomerID = string(inv.Customer)
			}
			return d.activateSubscription(ctx, ev, member, tier.IntentRenew, *norm)
		}
		log.Warnf("[Billing] fetch subscription %s for invoice %s failed, using invoice period: %v", subID, inv.ID, err)
	}

	return d.activate(ctx, ev, member, tier.IntentRenew, inv.periodEnd(), func() error {
		return d.store.SetSubscriptionStatus(ctx, member.ID, string(inv.Customer), subID, models.SubscriptionStatusActive)
	})
}

func (d *Dispatcher) activateSubscription(ctx context.Context, ev Event, member *models.Member, intent tier.Intent, norm NormalizedSubscription) error {
	if norm.CurrentPeriodEnd == nil && d.client != nil {
		if fetched, err := d.client.GetSubscription(ctx, norm.SubscriptionID); err == nil {
			norm.CurrentPeriodStart, norm.CurrentPeriodEnd = fetched.CurrentPeriodStart, fetched.CurrentPeriodEnd
		} else {
			log.Warnf("[Billing] fetch subscription %s failed: %v", norm.SubscriptionID, err)
		}
	}
	return d.activate(ctx, ev, member, intent, norm.CurrentPeriodEnd, func() error {
		return d.store.UpsertSubscription(ctx, toRecord(member.ID, norm))
	})
}

// activate records the subscription, then moves the member to paid and grants the role.
func (d *Dispatcher) activate(ctx context.Context, ev Event, member *models.Member, intent tier.Intent, periodEnd *time.Time, recordSub func() error) error {
	if periodEnd == nil {
		return d.fail(ctx, ev, member, invalidPayload(ev.Type, errors.New("no current period end")))
	}
	if err := recordSub(); err != nil {
		return d.fail(ctx, ev, member, persistence("record subscription", err))
	}
	return d.transition(ctx, ev, member, tier.Input{Intent: intent, Now: d.clock.Now(), PeriodEnd: periodEnd})
}

func (d *Dispatcher) cancelToGrace(ctx context.Context, ev Event, member *models.Member, norm NormalizedSubscription) error {
	if norm.Status == "" {
		norm.Status = models.SubscriptionStatusCanceled
	}
	if err := d.store.UpsertSubscription(ctx, toRecord(member.ID, norm)); err != nil {
		return d.fail(ctx, ev, member, persistence("upsert subscription", err))
	}

	latest, err := d.store.LatestSubscription(ctx, member.ID)
	if err != nil {
		return d.fail(ctx, ev, member, persistence("latest subscription", err))
	}
	if latest != nil && latest.SubscriptionID != norm.SubscriptionID && models.IsEntitlingStatus(latest.Status) {
		d.record(ctx, ev, member, models.AuditCategoryTier, ActionSuperseded, models.AuditOutcomeSuccess, map[string]any{
			"canceled_subscription_id": norm.SubscriptionID,
			"current_subscription_id":  latest.SubscriptionID,
		})
		return nil
	}

	return d.transition(ctx, ev, member, tier.Input{Intent: tier.IntentCancelToGrace, Now: d.clock.Now()})
}

func (d *Dispatcher) recordOnly(ctx context.Context, ev Event, member *models.Member, norm NormalizedSubscription) error {
	if err := d.store.UpsertSubscription(ctx, toRecord(member.ID, norm)); err != nil {
		return d.fail(ctx, ev, member, persistence("upsert subscription", err))
	}
	d.record(ctx, ev, member, models.AuditCategoryWebhook, ActionRecorded, models.AuditOutcomeSuccess, statusDelta(ev, norm))
	return nil
}

// transition is the authoritative tier commit followed by the best-effort role phase.
func (d *Dispatcher) transition(ctx context.Context, ev Event, member *models.Member, in tier.Input) error {
	in.GraceDays = d.graceDays
	updated, out, err := d.store.ApplyTransition(ctx, member.ID, in)
	if err != nil {
		ReportInvariant(err)
		return d.fail(ctx, ev, member, persistence("apply transition", err))
	}

	if out.TierChanged {
		metrics.TierTransitionsTotal.WithLabelValues(string(out.Prev.Tier), string(out.Next.Tier), "webhook").Inc()
	}
	d.record(ctx, ev, updated, models.AuditCategoryTier, out.Action, models.AuditOutcomeSuccess, transitionPayload(in.Intent, out))

	d.SyncRoles(ctx, updated, out.RoleActions)
	return nil
}

// SyncRoles issues the role actions of a committed transition. Failures are
// logged and audited by the adapter and never returned.
func (d *Dispatcher) SyncRoles(ctx context.Context, member *models.Member, actions []models.RoleAction) {
	if len(actions) == 0 {
		return
	}
	if d.roles == nil || d.paidRoleID == "" {
		log.Warnf("[Billing] role sync not configured, skipping %v for member %d", actions, member.ID)
		return
	}
	for _, action := range actions {
		if err := d.roles.Apply(ctx, rolesync.Target{MemberID: member.ID, ExternalID: member.ExternalID}, d.paidRoleID, action); err != nil {
			log.Warnf("[Billing] role %s for member %d left for reconciliation: %v", action, member.ID, err)
		}
	}
}

// Resync refreshes a member's subscriptions from the billing provider and renews
// the member when an entitling subscription runs past now. It reports whether
// the member's state changed.
func (d *Dispatcher) Resync(ctx context.Context, member *models.Member, now time.Time) (bool, error) {
	if d.client == nil || !member.HasCustomer() {
		return false, nil
	}
	subs, err := d.client.ListSubscriptions(ctx, *member.CustomerID)
	if err != nil {
		return false, fmt.Errorf("list subscriptions for customer %s: %w", *member.CustomerID, err)
	}

	var best *NormalizedSubscription
	for i := range subs {
		s := &subs[i]
		if !models.IsEntitlingStatus(s.Status) || s.CurrentPeriodEnd == nil || !s.CurrentPeriodEnd.After(now) {
			continue
		}
		if best == nil || s.CurrentPeriodEnd.After(*best.CurrentPeriodEnd) {
			best = s
		}
	}
	if best == nil {
		return false, nil
	}

	if err := d.store.UpsertSubscription(ctx, toRecord(member.ID, *best)); err != nil {
		return false, persistence("upsert subscription", err)
	}
	updated, out, err := d.store.ApplyTransition(ctx, member.ID, tier.Input{Intent: tier.IntentRenew, Now: now, PeriodEnd: best.CurrentPeriodEnd, GraceDays: d.graceDays})
	if err != nil {
		ReportInvariant(err)
		return false, persistence("apply transition", err)
	}
	if !out.Changed {
		return false, nil
	}
	if out.TierChanged {
		metrics.TierTransitionsTotal.WithLabelValues(string(out.Prev.Tier), string(out.Next.Tier), "resync").Inc()
	}
	payload := transitionPayload(tier.IntentRenew, out)
	payload["source"] = "resync"
	payload["subscription_id"] = best.SubscriptionID
	d.record(ctx, Event{}, updated, models.AuditCategoryTier, out.Action, models.AuditOutcomeSuccess, payload)
	d.SyncRoles(ctx, updated, out.RoleActions)
	return true, nil
}

func (d *Dispatcher) memberForCustomer(ctx context.Context, ev Event, customerID string) (*models.Member, error) {
	m, err := d.store.FindMemberByCustomerID(ctx, customerID)
	if errors.Is(err, ErrMemberNotFound) {
		return nil, d.fail(ctx, ev, nil, fmt.Errorf("%w: customer %q", ErrUnknownMember, customerID))
	}
	if err != nil {
		return nil, d.fail(ctx, ev, nil, persistence("find member by customer", err))
	}
	return m, nil
}

func (d *Dispatcher) fail(ctx context.Context, ev Event, member *models.Member, err error) error {
	log.Errorf("[Billing] dispatch %s (%s) failed: %v", ev.Type, ev.ID, err)
	d.record(ctx, ev, member, models.AuditCategoryWebhook, ActionDispatchFail, models.AuditOutcomeFailure, map[string]any{
		"event_type": ev.Type,
		"error":      err.Error(),
	})
	return err
}

func (d *Dispatcher) record(ctx context.Context, ev Event, member *models.Member, category, action, outcome string, payload map[string]any) {
	if d.recorder == nil {
		return
	}
	entry := audit.Entry{
		Category:        category,
		Action:          action,
		ExternalEventID: ev.ID,
		Outcome:         outcome,
		Payload:         payload,
	}
	if member != nil {
		entry.MemberID = audit.MemberRef(member.ID)
	}
	if err := d.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		log.Errorf("[Billing] audit %s/%s failed: %v", category, action, err)
	}
}

// ReportInvariant surfaces invariant violations loudly. Other errors are ignored.
func ReportInvariant(err error) {
	var iv *models.InvariantViolation
	if errors.As(err, &iv) {
		metrics.InvariantViolationsTotal.Inc()
		log.Errorf("[Invariant] %v", iv)
	}
}

func toRecord(memberID uint, n NormalizedSubscription) *models.SubscriptionRecord {
	return &models.SubscriptionRecord{
		SubscriptionID:     n.SubscriptionID,
		MemberID:           memberID,
		CustomerID:         n.CustomerID,
		Status:             n.Status,
		CurrentPeriodStart: n.CurrentPeriodStart,
		CurrentPeriodEnd:   n.CurrentPeriodEnd,
		TrialStart:         n.TrialStart,
		TrialEnd:           n.TrialEnd,
		CancelAtPeriodEnd:  n.CancelAtPeriodEnd,
		CanceledAt:         n.CanceledAt,
		ProviderCreatedAt:  n.Created,
		RawPayloadJSON:     n.RawPayloadJSON,
	}
}

func transitionPayload(intent tier.Intent, out tier.Outcome) map[string]any {
	return map[string]any{
		"intent":               string(intent),
		"from":                 string(out.Prev.Tier),
		"to":                   string(out.Next.Tier),
		"changed":              out.Changed,
		"subscription_ends_at": out.Next.SubscriptionEndsAt,
		"grace_ends_at":        out.Next.GraceEndsAt,
	}
}

func statusDelta(ev Event, n NormalizedSubscription) map[string]any {
	payload := map[string]any{
		"subscription_id": n.SubscriptionID,
		"status":          n.Status,
	}
	if prev, ok := ev.PreviousAttributes["status"].(string); ok {
		payload["previous_status"] = prev
	}
	return payload
}
